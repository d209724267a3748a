package capability

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pml-dev/gateway/pkg/models"
)

// fakeRecordStore is an in-memory RecordStore.
type fakeRecordStore struct {
	records map[string]models.CapabilityRecord
}

func newFakeRecordStore() *fakeRecordStore {
	return &fakeRecordStore{records: make(map[string]models.CapabilityRecord)}
}

func (s *fakeRecordStore) GetRecord(_ context.Context, id string) (models.CapabilityRecord, bool, error) {
	rec, ok := s.records[id]
	return rec, ok, nil
}

func (s *fakeRecordStore) FindByFQDN(_ context.Context, fqdn models.FQDN) (models.CapabilityRecord, bool, error) {
	for _, rec := range s.records {
		if rec.FQDN == fqdn {
			return rec, true, nil
		}
	}
	return models.CapabilityRecord{}, false, nil
}

func (s *fakeRecordStore) FindByName(_ context.Context, namespace, action string, _ models.Scope) ([]models.CapabilityRecord, error) {
	out := []models.CapabilityRecord{}
	for _, rec := range s.records {
		if rec.FQDN.Action != action {
			continue
		}
		if namespace != "" && rec.FQDN.Namespace != namespace {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *fakeRecordStore) ListByScope(_ context.Context, scope models.Scope, opts ListOptions) ([]models.CapabilityRecord, int, error) {
	out := []models.CapabilityRecord{}
	for _, rec := range s.records {
		if rec.FQDN.Org == scope.Org && rec.FQDN.Project == scope.Project {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	total := len(out)
	if opts.Offset < len(out) {
		out = out[opts.Offset:]
	} else {
		out = nil
	}
	if len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, total, nil
}

func (s *fakeRecordStore) InsertRecord(_ context.Context, rec models.CapabilityRecord) error {
	s.records[rec.ID] = rec
	return nil
}

func (s *fakeRecordStore) UpdateRecord(_ context.Context, rec models.CapabilityRecord) error {
	s.records[rec.ID] = rec
	return nil
}

func (s *fakeRecordStore) DeleteRecord(_ context.Context, id string) error {
	delete(s.records, id)
	return nil
}

func testFQDN(action string) models.FQDN {
	return models.FQDN{Org: "acme", Project: "etl", Namespace: "data", Action: action, Hash: "ab12"}
}

func TestCreateIsIdempotentOnFQDN(t *testing.T) {
	reg := NewRegistry(newFakeRecordStore(), nil)
	ctx := context.Background()

	first, err := reg.Create(ctx, CreateRequest{FQDN: testFQDN("clean")})
	require.NoError(t, err)
	assert.Equal(t, 1, first.Version)
	assert.NotEmpty(t, first.ID)

	second, err := reg.Create(ctx, CreateRequest{FQDN: testFQDN("clean")})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 2, second.Version)

	third, err := reg.Create(ctx, CreateRequest{FQDN: testFQDN("clean")})
	require.NoError(t, err)
	assert.Equal(t, first.ID, third.ID)
	assert.Greater(t, third.Version, second.Version)
}

func TestCreateValidatesFQDN(t *testing.T) {
	reg := NewRegistry(newFakeRecordStore(), nil)
	ctx := context.Background()

	bad := testFQDN("clean")
	bad.Hash = "toolong"
	_, err := reg.Create(ctx, CreateRequest{FQDN: bad})
	assert.True(t, models.IsKind(err, models.KindValidation))

	bad = testFQDN("clean")
	bad.Org = ""
	_, err = reg.Create(ctx, CreateRequest{FQDN: bad})
	assert.True(t, models.IsKind(err, models.KindValidation))
}

func TestResolvePrefersSameScopeThenPublic(t *testing.T) {
	store := newFakeRecordStore()
	reg := NewRegistry(store, nil)
	ctx := context.Background()
	scope := models.Scope{Org: "acme", Project: "etl"}

	local, err := reg.Create(ctx, CreateRequest{FQDN: testFQDN("summarize")})
	require.NoError(t, err)

	foreign := models.FQDN{Org: "other", Project: "proj", Namespace: "data", Action: "summarize", Hash: "cd34"}
	public, err := reg.Create(ctx, CreateRequest{FQDN: foreign, Visibility: models.VisibilityPublic})
	require.NoError(t, err)

	rec, err := reg.Resolve(ctx, "data:summarize", scope)
	require.NoError(t, err)
	assert.Equal(t, local.ID, rec.ID)

	// Out of scope, only the public record resolves.
	rec, err = reg.Resolve(ctx, "data:summarize", models.Scope{Org: "third", Project: "p"})
	require.NoError(t, err)
	assert.Equal(t, public.ID, rec.ID)

	// Bare action form resolves too.
	rec, err = reg.Resolve(ctx, "summarize", scope)
	require.NoError(t, err)
	assert.Equal(t, local.ID, rec.ID)

	_, err = reg.Resolve(ctx, "ghost", scope)
	assert.True(t, models.IsKind(err, models.KindNotFound))
}

func TestResolveSkipsForeignPrivate(t *testing.T) {
	reg := NewRegistry(newFakeRecordStore(), nil)
	ctx := context.Background()

	foreign := models.FQDN{Org: "other", Project: "proj", Namespace: "data", Action: "secret", Hash: "ef56"}
	_, err := reg.Create(ctx, CreateRequest{FQDN: foreign, Visibility: models.VisibilityPrivate})
	require.NoError(t, err)

	_, err = reg.Resolve(ctx, "data:secret", models.Scope{Org: "acme", Project: "etl"})
	assert.True(t, models.IsKind(err, models.KindNotFound))
}

func TestRecordUsageAccumulatesCounters(t *testing.T) {
	reg := NewRegistry(newFakeRecordStore(), nil)
	ctx := context.Background()

	rec, err := reg.Create(ctx, CreateRequest{FQDN: testFQDN("count")})
	require.NoError(t, err)

	require.NoError(t, reg.RecordUsage(ctx, rec.ID, true, 120))
	require.NoError(t, reg.RecordUsage(ctx, rec.ID, false, 80))
	require.NoError(t, reg.RecordUsage(ctx, rec.ID, true, 100))

	got, err := reg.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.UsageCount)
	assert.Equal(t, int64(2), got.SuccessCount)
	assert.Equal(t, int64(300), got.TotalLatencyMs)
	assert.InDelta(t, 2.0/3.0, got.SuccessRate(), 1e-9)
	assert.InDelta(t, 100.0, got.AvgLatencyMs(), 1e-9)
}

func TestUpdatePermissionSetEnforcesEscalationTable(t *testing.T) {
	reg := NewRegistry(newFakeRecordStore(), nil)
	ctx := context.Background()

	rec, err := reg.Create(ctx, CreateRequest{FQDN: testFQDN("perm"), PermissionSet: models.PermissionMinimal})
	require.NoError(t, err)

	rec, err = reg.UpdatePermissionSet(ctx, rec.ID, models.PermissionReadonly)
	require.NoError(t, err)
	assert.Equal(t, models.PermissionReadonly, rec.PermissionSet)

	// readonly → network-api is forbidden; record unchanged.
	_, err = reg.UpdatePermissionSet(ctx, rec.ID, models.PermissionNetworkAPI)
	assert.True(t, models.IsKind(err, models.KindValidation))
	got, err := reg.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PermissionReadonly, got.PermissionSet)

	// trusted is unreachable from anywhere.
	_, err = reg.UpdatePermissionSet(ctx, rec.ID, models.PermissionTrusted)
	assert.True(t, models.IsKind(err, models.KindValidation))
}

func TestEscalationTable(t *testing.T) {
	allowed := [][2]models.PermissionSet{
		{models.PermissionMinimal, models.PermissionReadonly},
		{models.PermissionMinimal, models.PermissionFilesystem},
		{models.PermissionMinimal, models.PermissionNetworkAPI},
		{models.PermissionMinimal, models.PermissionMCPStandard},
		{models.PermissionReadonly, models.PermissionFilesystem},
		{models.PermissionReadonly, models.PermissionMCPStandard},
		{models.PermissionFilesystem, models.PermissionMCPStandard},
		{models.PermissionNetworkAPI, models.PermissionMCPStandard},
	}
	for _, pair := range allowed {
		assert.True(t, CanEscalate(pair[0], pair[1]), "%s -> %s", pair[0], pair[1])
	}

	forbidden := [][2]models.PermissionSet{
		{models.PermissionMinimal, models.PermissionTrusted},
		{models.PermissionReadonly, models.PermissionNetworkAPI},
		{models.PermissionFilesystem, models.PermissionReadonly},
		{models.PermissionMCPStandard, models.PermissionMinimal},
		{models.PermissionMCPStandard, models.PermissionTrusted},
		{models.PermissionTrusted, models.PermissionMinimal},
		{models.PermissionReadonly, models.PermissionReadonly},
	}
	for _, pair := range forbidden {
		assert.False(t, CanEscalate(pair[0], pair[1]), "%s -> %s", pair[0], pair[1])
	}
}

func TestListPagingAndValidation(t *testing.T) {
	reg := NewRegistry(newFakeRecordStore(), nil,
		WithRegistryClock(func() time.Time { return time.Unix(1700000000, 0) }))
	ctx := context.Background()
	scope := models.Scope{Org: "acme", Project: "etl"}

	for _, action := range []string{"a1", "a2", "a3"} {
		_, err := reg.Create(ctx, CreateRequest{FQDN: testFQDN(action)})
		require.NoError(t, err)
	}

	recs, total, err := reg.List(ctx, scope, ListOptions{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Len(t, recs, 2)

	_, _, err = reg.List(ctx, scope, ListOptions{MinSuccessRate: 1.5})
	assert.True(t, models.IsKind(err, models.KindValidation))
}

func TestDelete(t *testing.T) {
	reg := NewRegistry(newFakeRecordStore(), nil)
	ctx := context.Background()

	rec, err := reg.Create(ctx, CreateRequest{FQDN: testFQDN("gone")})
	require.NoError(t, err)
	require.NoError(t, reg.Delete(ctx, rec.ID))

	_, err = reg.Get(ctx, rec.ID)
	assert.True(t, models.IsKind(err, models.KindNotFound))
	assert.True(t, models.IsKind(reg.Delete(ctx, rec.ID), models.KindNotFound))
}
