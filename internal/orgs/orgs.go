// Package orgs implements the onboarding paths of §4.8 that must exist
// before the Team/Org Membership FSM and Permission Resolver have
// anything to operate on: reserving an organization slug, holding a
// pending registration as a VerifyEmail-shaped Ephemeral Flow, and
// completing it into an organization row plus its owning org team.
package orgs

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"regexp"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/pylon-project/pylon/internal/apierr"
	"github.com/pylon-project/pylon/internal/dbx"
	"github.com/pylon-project/pylon/internal/flowstore"
	"github.com/pylon-project/pylon/internal/notify"
)

const slugSuffixAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

var (
	slugDisallowed = regexp.MustCompile(`[^a-z0-9-]+`)
	slugHyphenRuns = regexp.MustCompile(`-{2,}`)
)

// Manager owns organization registration.
type Manager struct {
	store      *dbx.Store
	flows      *flowstore.Store
	bridge     *notify.Bridge
	siteURL    string
	verifyPath string
}

func New(store *dbx.Store, flows *flowstore.Store, bridge *notify.Bridge, siteURL, verifyPath string) *Manager {
	return &Manager{store: store, flows: flows, bridge: bridge, siteURL: siteURL, verifyPath: verifyPath}
}

// Start reserves a slug for name, records the pending registration as a
// VerifyEmail-shaped flow keyed by userID, and emails the completion link
// through the Notification Bridge. A user who already owns or belongs to
// an organization may not start a second one.
func (m *Manager) Start(ctx context.Context, userID int64, name string) error {
	var alreadyMember bool
	const memberQ = `SELECT EXISTS(
		SELECT 1 FROM team_members tm
		JOIN teams t ON t.id = tm.team_id
		WHERE tm.user_id = $1 AND t.organization_id IS NOT NULL
	)`
	if err := m.store.DB().GetContext(ctx, &alreadyMember, memberQ, userID); err != nil {
		return fmt.Errorf("orgs: failed to check existing membership: %w", err)
	}
	if alreadyMember {
		return apierr.New(apierr.PermissionDenied, "user already belongs to an organization")
	}

	slug, err := m.reserveSlug(ctx, name)
	if err != nil {
		return err
	}

	var email string
	if err := m.store.DB().GetContext(ctx, &email, `SELECT email FROM users WHERE id = $1`, userID); err != nil {
		return fmt.Errorf("orgs: failed to load user email: %w", err)
	}

	return m.sendVerification(ctx, userID, email, name, slug)
}

// Resend re-sends the verification email for a flow ID still pending
// completion. Mail-bombing protection is a hook point only; the policy
// (e.g. a rate limiter keyed by userID) lives outside this core per §4.8.
func (m *Manager) Resend(ctx context.Context, flowID string) error {
	f, err := m.flows.PeekVerifyEmail(ctx, flowID)
	if err != nil {
		return err
	}
	if f.OrgName == "" {
		return apierr.New(apierr.PermissionDenied, "flow is not a pending organization registration")
	}
	return m.sendVerification(ctx, f.UserID, f.Email, f.OrgName, f.OrgSlug)
}

// Complete consumes the verification token, creates the organization row
// and its org team, and makes the registering user its Owner in one
// transaction.
func (m *Manager) Complete(ctx context.Context, flowID string) (dbx.Organization, error) {
	f, err := m.flows.TakeVerifyEmail(ctx, flowID)
	if err != nil {
		return dbx.Organization{}, err
	}
	if f.OrgName == "" {
		return dbx.Organization{}, apierr.New(apierr.PermissionDenied, "flow is not a pending organization registration")
	}

	var org dbx.Organization
	err = m.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		const insertOrg = `INSERT INTO organizations (slug, name, created) VALUES ($1, $2, $3)
		                    RETURNING id, slug, name, created`
		if err := tx.GetContext(ctx, &org, insertOrg, f.OrgSlug, f.OrgName, time.Now()); err != nil {
			if dbx.IsUniqueViolation(err, "") {
				return apierr.New(apierr.PermissionDenied, "organization slug was claimed before registration completed")
			}
			return fmt.Errorf("orgs: failed to create organization: %w", err)
		}

		var team dbx.Team
		const insertTeam = `INSERT INTO teams (organization_id) VALUES ($1) RETURNING id, project_id, organization_id`
		if err := tx.GetContext(ctx, &team, insertTeam, org.ID); err != nil {
			return fmt.Errorf("orgs: failed to create org team: %w", err)
		}

		const insertOwner = `INSERT INTO team_members (team_id, user_id, role, is_owner, accepted)
		                      VALUES ($1, $2, 'Owner', TRUE, TRUE)`
		if _, err := tx.ExecContext(ctx, insertOwner, team.ID, f.UserID); err != nil {
			return fmt.Errorf("orgs: failed to seat registering user as owner: %w", err)
		}
		return nil
	})
	if err != nil {
		return dbx.Organization{}, err
	}
	return org, nil
}

func (m *Manager) sendVerification(ctx context.Context, userID int64, email, orgName, slug string) error {
	flowID, err := m.flows.PutVerifyEmail(ctx, flowstore.VerifyEmail{
		UserID:  userID,
		Email:   email,
		OrgName: orgName,
		OrgSlug: slug,
	})
	if err != nil {
		return err
	}
	url := strings.TrimRight(m.siteURL, "/") + m.verifyPath + "?token=" + flowID
	return m.bridge.Enqueue(ctx, userID, notify.KindVerifyEmailLink, notify.VerifyEmailLinkPayload{URL: url, OrgName: orgName})
}

// reserveSlug derives a URL-safe base slug from name and appends a random
// suffix on collision, per §4.8's "bounded retry" requirement.
func (m *Manager) reserveSlug(ctx context.Context, name string) (string, error) {
	base := slugify(name)
	if base == "" {
		base = "org"
	}

	const maxAttempts = 8
	candidate := base
	for attempt := 0; attempt < maxAttempts; attempt++ {
		var taken bool
		if err := m.store.DB().GetContext(ctx, &taken, `SELECT EXISTS(SELECT 1 FROM organizations WHERE slug = $1)`, candidate); err != nil {
			return "", fmt.Errorf("orgs: failed to check slug availability: %w", err)
		}
		if !taken {
			return candidate, nil
		}
		suffix, err := randomSuffix(5)
		if err != nil {
			return "", err
		}
		candidate = base + "-" + suffix
	}
	return "", apierr.New(apierr.PermissionDenied, "could not reserve a unique organization slug")
}

func slugify(name string) string {
	lower := strings.ToLower(strings.TrimSpace(name))
	lower = strings.ReplaceAll(lower, " ", "-")
	lower = slugDisallowed.ReplaceAllString(lower, "")
	lower = slugHyphenRuns.ReplaceAllString(lower, "-")
	return strings.Trim(lower, "-")
}

func randomSuffix(n int) (string, error) {
	out := make([]byte, n)
	for i := range out {
		idx, err := rand.Int(rand.Reader, big.NewInt(int64(len(slugSuffixAlphabet))))
		if err != nil {
			return "", fmt.Errorf("orgs: failed to generate slug suffix: %w", err)
		}
		out[i] = slugSuffixAlphabet[idx.Int64()]
	}
	return string(out), nil
}
