package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wenwu/saas-platform/key-service/internal/errs"
	"github.com/wenwu/saas-platform/key-service/internal/models"
)

func newTestKeyService(keys ...*models.Key) (*KeyService, *fakeKeyRepo) {
	repo := newFakeKeyRepo(keys...)
	return NewKeyService(repo, zap.NewNop()), repo
}

func TestKeyCreateValidation(t *testing.T) {
	svc, _ := newTestKeyService()
	ctx := context.Background()

	err := svc.Create(ctx, &models.Key{ID: "k1", Kind: models.KindPaid})
	require.ErrorIs(t, err, errs.ErrValidation, "empty owner")

	err = svc.Create(ctx, &models.Key{ID: "k1", OwnerID: "o", Kind: "forever"})
	require.ErrorIs(t, err, errs.ErrValidation, "unknown kind")

	err = svc.Create(ctx, &models.Key{ID: "k1", OwnerID: "o", Kind: models.KindPaid, SwitchAllowance: -1})
	require.ErrorIs(t, err, errs.ErrValidation, "negative allowance")

	err = svc.Create(ctx, &models.Key{ID: "k1", OwnerID: "o", Kind: models.KindTrial})
	require.NoError(t, err)
}

func TestExtendStacksOnRemainingTime(t *testing.T) {
	expires := time.Now().Add(10 * time.Hour)
	key := &models.Key{ID: "k1", OwnerID: "o", Kind: models.KindPaid, ExpiresAt: expires}
	svc, _ := newTestKeyService(key)

	require.NoError(t, svc.Extend(context.Background(), key, 24*time.Hour, nil))
	require.WithinDuration(t, expires.Add(24*time.Hour), key.ExpiresAt, time.Second)
}

func TestExtendLapsedKeyStartsFromNow(t *testing.T) {
	key := &models.Key{
		ID: "k1", OwnerID: "o", Kind: models.KindPaid,
		ExpiresAt: time.Now().Add(-30 * 24 * time.Hour),
		Warned:    true, ExpiredNotified: true,
	}
	svc, repo := newTestKeyService(key)

	require.NoError(t, svc.Extend(context.Background(), key, 24*time.Hour, nil))

	// The owner gets the full paid period, not 24h minus a month.
	require.WithinDuration(t, time.Now().Add(24*time.Hour), key.ExpiresAt, time.Second)
	require.False(t, key.Warned)
	require.False(t, key.ExpiredNotified)

	stored, err := repo.GetByID(context.Background(), "k1")
	require.NoError(t, err)
	require.False(t, stored.Warned)
	require.False(t, stored.ExpiredNotified)
}

func TestExtendRejectsNonPositive(t *testing.T) {
	key := &models.Key{ID: "k1", OwnerID: "o", Kind: models.KindPaid, ExpiresAt: time.Now()}
	svc, _ := newTestKeyService(key)

	require.ErrorIs(t, svc.Extend(context.Background(), key, 0, nil), errs.ErrValidation)
	require.ErrorIs(t, svc.Extend(context.Background(), key, -time.Hour, nil), errs.ErrValidation)
}

func TestConsumeSwitchNeverGoesNegative(t *testing.T) {
	key := &models.Key{
		ID: "k1", OwnerID: "o", Kind: models.KindPaid,
		ExpiresAt: time.Now().Add(time.Hour), SwitchAllowance: 1,
	}
	svc, _ := newTestKeyService(key)
	ctx := context.Background()

	ok, err := svc.ConsumeSwitch(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 0, key.SwitchAllowance)

	ok, err = svc.ConsumeSwitch(ctx, key)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, 0, key.SwitchAllowance)

	require.NoError(t, svc.RestoreSwitch(ctx, key))
	require.Equal(t, 1, key.SwitchAllowance)
}

func TestKeyStateDerivation(t *testing.T) {
	now := time.Now()
	serverID := "s1"

	cases := []struct {
		name string
		key  models.Key
		want string
	}{
		{"no server", models.Key{ExpiresAt: now.Add(time.Hour)}, models.KeyStateUnprovisioned},
		{"active", models.Key{ServerID: &serverID, ExpiresAt: now.Add(time.Hour)}, models.KeyStateActive},
		{"warned", models.Key{ServerID: &serverID, ExpiresAt: now.Add(time.Hour), Warned: true}, models.KeyStateWarned},
		{"expired", models.Key{ServerID: &serverID, ExpiresAt: now.Add(-time.Hour)}, models.KeyStateExpired},
		{"disabled wins", models.Key{ServerID: &serverID, ExpiresAt: now.Add(time.Hour), Disabled: true}, models.KeyStateDisabled},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, tc.key.State(now))
		})
	}
}
