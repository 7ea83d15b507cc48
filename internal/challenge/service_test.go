package challenge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/TrailMarkLabs/wanderquest/backend/internal/audit"
	"github.com/TrailMarkLabs/wanderquest/backend/internal/serviceerror"
)

type staticIDGenerator struct {
	mu    sync.Mutex
	ids   []string
	index int
}

func (g *staticIDGenerator) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.index >= len(g.ids) {
		return "", errors.New("exhausted ids")
	}
	id := g.ids[g.index]
	g.index++
	return id, nil
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestService(t *testing.T, ids []string) (*Service, *gorm.DB, *manualClock) {
	t.Helper()

	dsn := fmt.Sprintf("file:wanderquest_challenge_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&VersionRecord{}, &InviteRecord{}, &audit.Event{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	clock := &manualClock{now: time.Unix(1700000600, 0).UTC()}
	auditor, err := audit.NewLog(audit.LogConfig{Database: db, Clock: clock.Now})
	if err != nil {
		t.Fatalf("failed to construct audit log: %v", err)
	}

	service, err := NewService(ServiceConfig{
		Database:   db,
		Clock:      clock.Now,
		IDProvider: &staticIDGenerator{ids: ids},
		Auditor:    auditor,
	})
	if err != nil {
		t.Fatalf("failed to construct challenge service: %v", err)
	}
	return service, db, clock
}

func testDefinition(name string) Definition {
	return Definition{
		Name:             name,
		Description:      "riverfront walk",
		PlannedStartTime: time.Unix(1700001000, 0).UTC(),
		DurationMinutes:  120,
		Waypoints: []Waypoint{
			{
				Sequence:     1,
				Latitude:     -22.3321,
				Longitude:    32.0023,
				RadiusMeters: 50,
				Clue:         "start at the old bridge",
				Hints:        []string{"look for the plaque"},
				ProofSubject: "bridge plaque",
			},
			{
				Sequence:     2,
				Latitude:     -22.3350,
				Longitude:    32.0100,
				Clue:         "follow the river south",
				ProofSubject: "red boathouse door",
			},
		},
	}
}

func mustCreate(t *testing.T, service *Service, definition Definition, moderator string) Version {
	t.Helper()
	version, err := service.Create(context.Background(), definition, moderator)
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	return version
}

func TestCreatePublishesFirstCurrentVersion(t *testing.T) {
	service, db, _ := newTestService(t, []string{"challenge-1", "version-1"})

	version := mustCreate(t, service, testDefinition("river hunt"), "user-moderator")

	if version.ChallengeID.String() != "challenge-1" {
		t.Fatalf("unexpected challenge id %s", version.ChallengeID)
	}
	if version.ValidUntil != nil {
		t.Fatalf("fresh version must be current")
	}
	if version.Waypoints[1].RadiusMeters != DefaultRadiusMeters {
		t.Fatalf("expected default radius, got %v", version.Waypoints[1].RadiusMeters)
	}
	if version.Waypoints[0].TimeBudgetSeconds != TimeBudgetDisabled {
		t.Fatalf("expected disabled time budget, got %d", version.Waypoints[0].TimeBudgetSeconds)
	}

	var audits []audit.Event
	if err := db.Where("event_type = ?", audit.EventVersionPublished).Find(&audits).Error; err != nil {
		t.Fatalf("failed to load audit events: %v", err)
	}
	if len(audits) != 1 {
		t.Fatalf("expected 1 publish audit event, got %d", len(audits))
	}
	if audits[0].ActorType != audit.ActorModerator || audits[0].ActorID != "user-moderator" {
		t.Fatalf("unexpected audit actor %s/%s", audits[0].ActorType, audits[0].ActorID)
	}
}

func TestPublishVersionClosesPredecessor(t *testing.T) {
	service, db, clock := newTestService(t, []string{"challenge-1", "version-1", "version-2"})
	ctx := context.Background()

	created := mustCreate(t, service, testDefinition("river hunt"), "user-moderator")
	clock.Advance(time.Hour)

	updated := testDefinition("river hunt v2")
	published, err := service.PublishVersion(ctx, created.ChallengeID, updated, "user-moderator")
	if err != nil {
		t.Fatalf("unexpected publish error: %v", err)
	}
	if published.VersionID == created.VersionID {
		t.Fatalf("publish must mint a new version id")
	}
	if published.ModeratorUserID != "user-moderator" {
		t.Fatalf("moderator must carry over, got %s", published.ModeratorUserID)
	}

	var openCount int64
	if err := db.Model(&VersionRecord{}).
		Where("challenge_id = ? AND valid_until IS NULL", created.ChallengeID.String()).
		Count(&openCount).Error; err != nil {
		t.Fatalf("failed to count open versions: %v", err)
	}
	if openCount != 1 {
		t.Fatalf("expected exactly one current version, got %d", openCount)
	}

	current, err := service.GetCurrent(ctx, created.ChallengeID)
	if err != nil {
		t.Fatalf("unexpected get current error: %v", err)
	}
	if current.Name != "river hunt v2" {
		t.Fatalf("expected successor to be current, got %q", current.Name)
	}
}

func TestPublishVersionUnknownChallenge(t *testing.T) {
	service, _, _ := newTestService(t, []string{"version-1"})

	challengeID, _ := NewID("missing")
	_, err := service.PublishVersion(context.Background(), challengeID, testDefinition("ghost"), "user-1")
	reason, ok := serviceerror.ReasonOf(err)
	if !ok || reason != "not_found" {
		t.Fatalf("expected not_found, got %v", err)
	}
}

func TestGetVersionAtSelectsCoveringInterval(t *testing.T) {
	service, _, clock := newTestService(t, []string{"challenge-1", "version-1", "version-2", "version-3"})
	ctx := context.Background()

	created := mustCreate(t, service, testDefinition("era one"), "user-moderator")
	firstPublish := clock.Now()

	clock.Advance(time.Hour)
	if _, err := service.PublishVersion(ctx, created.ChallengeID, testDefinition("era two"), "user-moderator"); err != nil {
		t.Fatalf("unexpected publish error: %v", err)
	}
	secondPublish := clock.Now()

	clock.Advance(time.Hour)
	if _, err := service.PublishVersion(ctx, created.ChallengeID, testDefinition("era three"), "user-moderator"); err != nil {
		t.Fatalf("unexpected publish error: %v", err)
	}

	tests := []struct {
		name     string
		at       time.Time
		expected string
	}{
		{name: "during-first-era", at: firstPublish.Add(30 * time.Minute), expected: "era one"},
		{name: "at-second-publish-boundary", at: secondPublish, expected: "era two"},
		{name: "now-open-interval", at: clock.Now().Add(time.Minute), expected: "era three"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			version, err := service.GetVersionAt(ctx, created.ChallengeID, tt.at)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if version.Name != tt.expected {
				t.Fatalf("expected %q at %v, got %q", tt.expected, tt.at, version.Name)
			}
		})
	}

	t.Run("before-first-era", func(t *testing.T) {
		_, err := service.GetVersionAt(ctx, created.ChallengeID, firstPublish.Add(-time.Minute))
		reason, ok := serviceerror.ReasonOf(err)
		if !ok || reason != "not_found" {
			t.Fatalf("expected not_found before first publish, got %v", err)
		}
	})
}

func TestConcurrentPublishesKeepSingleCurrent(t *testing.T) {
	ids := []string{"challenge-1", "version-1"}
	for i := 0; i < 8; i++ {
		ids = append(ids, fmt.Sprintf("version-racer-%d", i))
	}
	service, db, _ := newTestService(t, ids)
	ctx := context.Background()

	created := mustCreate(t, service, testDefinition("contested"), "user-moderator")

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			_, errs[slot] = service.PublishVersion(ctx, created.ChallengeID, testDefinition(fmt.Sprintf("racer %d", slot)), "user-moderator")
		}(i)
	}
	wg.Wait()

	for slot, err := range errs {
		if err != nil {
			t.Fatalf("publish %d failed: %v", slot, err)
		}
	}

	var openCount int64
	if err := db.Model(&VersionRecord{}).
		Where("challenge_id = ? AND valid_until IS NULL", created.ChallengeID.String()).
		Count(&openCount).Error; err != nil {
		t.Fatalf("failed to count open versions: %v", err)
	}
	if openCount != 1 {
		t.Fatalf("expected exactly one current version after racing publishes, got %d", openCount)
	}

	var total int64
	if err := db.Model(&VersionRecord{}).
		Where("challenge_id = ?", created.ChallengeID.String()).
		Count(&total).Error; err != nil {
		t.Fatalf("failed to count versions: %v", err)
	}
	if total != 9 {
		t.Fatalf("expected all 9 versions retained, got %d", total)
	}
}

func TestNormalizeRejectsBadDefinitions(t *testing.T) {
	base := testDefinition("validation")

	tests := []struct {
		name    string
		mutate  func(*Definition)
		wantErr string
	}{
		{
			name:    "empty-name",
			mutate:  func(d *Definition) { d.Name = "  " },
			wantErr: "name is required",
		},
		{
			name:    "no-waypoints",
			mutate:  func(d *Definition) { d.Waypoints = nil },
			wantErr: "at least one waypoint",
		},
		{
			name:    "gap-in-sequence",
			mutate:  func(d *Definition) { d.Waypoints[1].Sequence = 3 },
			wantErr: "consecutive",
		},
		{
			name:    "latitude-out-of-range",
			mutate:  func(d *Definition) { d.Waypoints[0].Latitude = 90.5 },
			wantErr: "latitude",
		},
		{
			name:    "negative-radius",
			mutate:  func(d *Definition) { d.Waypoints[0].RadiusMeters = -5 },
			wantErr: "radius",
		},
		{
			name: "too-many-hints",
			mutate: func(d *Definition) {
				d.Waypoints[0].Hints = []string{"a", "b", "c", "d"}
			},
			wantErr: "hints",
		},
		{
			name:    "missing-proof-subject",
			mutate:  func(d *Definition) { d.Waypoints[0].ProofSubject = "" },
			wantErr: "proof subject",
		},
		{
			name:    "zero-duration",
			mutate:  func(d *Definition) { d.DurationMinutes = 0 },
			wantErr: "duration",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			definition := base
			definition.Waypoints = make([]Waypoint, len(base.Waypoints))
			copy(definition.Waypoints, base.Waypoints)
			tt.mutate(&definition)

			_, err := definition.Normalize()
			if !errors.Is(err, ErrInvalidDefinition) {
				t.Fatalf("expected ErrInvalidDefinition, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected message containing %q, got %q", tt.wantErr, err.Error())
			}
		})
	}
}

func TestInviteIsIdempotent(t *testing.T) {
	service, db, _ := newTestService(t, []string{"challenge-1", "version-1"})
	ctx := context.Background()

	created := mustCreate(t, service, testDefinition("invitational"), "user-moderator")

	if err := service.Invite(ctx, created.ChallengeID, "user-guest", "user-moderator"); err != nil {
		t.Fatalf("unexpected invite error: %v", err)
	}
	if err := service.Invite(ctx, created.ChallengeID, "user-guest", "user-moderator"); err != nil {
		t.Fatalf("repeat invite must be a no-op: %v", err)
	}

	invited, err := service.IsInvited(ctx, created.ChallengeID, "user-guest")
	if err != nil {
		t.Fatalf("unexpected lookup error: %v", err)
	}
	if !invited {
		t.Fatalf("expected user to be invited")
	}

	stranger, err := service.IsInvited(ctx, created.ChallengeID, "user-stranger")
	if err != nil {
		t.Fatalf("unexpected lookup error: %v", err)
	}
	if stranger {
		t.Fatalf("uninvited user must not report as invited")
	}

	var auditCount int64
	if err := db.Model(&audit.Event{}).
		Where("event_type = ?", audit.EventInviteIssued).
		Count(&auditCount).Error; err != nil {
		t.Fatalf("failed to count invite events: %v", err)
	}
	if auditCount != 1 {
		t.Fatalf("repeat invite must not append a second audit event, got %d", auditCount)
	}
}
