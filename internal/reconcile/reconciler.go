package reconcile

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/VenkatGGG/proxylease/internal/audit"
	"github.com/VenkatGGG/proxylease/internal/fortigate"
	"github.com/VenkatGGG/proxylease/internal/lease"
)

type Config struct {
	Group         string
	NamePrefix    string
	LeaseDuration time.Duration
}

// Conflict records a group member whose IP was already claimed by an earlier
// member.
type Conflict struct {
	ClientID string `json:"client_id"`
	Kept     string `json:"kept"`
	Skipped  string `json:"skipped"`
}

type Report struct {
	Mode       fortigate.Mode `json:"mode"`
	Skipped    bool           `json:"skipped"`
	Synced     int            `json:"synced"`
	Unresolved []string       `json:"unresolved,omitempty"`
	Conflicts  []Conflict     `json:"conflicts,omitempty"`
}

// Reconciler rebuilds the lease registry and expiry jobs from the allow group
// as it exists on the firewall. It runs once, before traffic is accepted.
type Reconciler struct {
	link      *fortigate.Link
	registry  *lease.Registry
	scheduler *lease.Scheduler
	journal   *audit.Journal
	cfg       Config
	logger    *zap.Logger
}

func New(link *fortigate.Link, registry *lease.Registry, scheduler *lease.Scheduler, journal *audit.Journal, cfg Config, logger *zap.Logger) *Reconciler {
	if cfg.NamePrefix == "" {
		cfg.NamePrefix = "PROXY_"
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = 2 * time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		link:      link,
		registry:  registry,
		scheduler: scheduler,
		journal:   journal,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run connects to the firewall and registers every prefixed group member that
// resolves to an IP. Recovered leases get a full lease duration from now since
// the grant time is not stored anywhere. A connection failure leaves
// the registry untouched and is returned for the caller to log; the link keeps
// it for health reporting.
func (r *Reconciler) Run(ctx context.Context) (Report, error) {
	mode, err := r.link.Connect(ctx)
	if err != nil {
		r.logger.Warn("startup connection failed, no leases recovered", zap.Error(err))
		return Report{Mode: fortigate.ModeUnknown, Skipped: true}, fmt.Errorf("connect: %w", err)
	}
	report := Report{Mode: mode}
	r.logger.Info("startup connection established", zap.String("mode", string(mode)))

	if !mode.ReadsObjects() {
		r.logger.Warn("mode cannot read address objects, skipping reconciliation", zap.String("mode", string(mode)))
		report.Skipped = true
		return report, nil
	}

	client, _, ok := r.link.Active()
	if !ok {
		report.Skipped = true
		return report, fmt.Errorf("connect: %w", fortigate.ErrConnectivity)
	}

	addresses, err := client.ListAddresses(ctx)
	if err != nil {
		r.link.RecordError(err)
		return report, fmt.Errorf("list addresses: %w", err)
	}
	members, err := client.ListGroupMembers(ctx, r.cfg.Group)
	if err != nil {
		r.link.RecordError(err)
		return report, fmt.Errorf("list group members: %w", err)
	}

	ipByName := make(map[string]string, len(addresses))
	for _, address := range addresses {
		if ip := address.IP(); ip != "" {
			ipByName[address.Name] = ip
		}
	}

	for _, name := range members {
		if !strings.HasPrefix(name, r.cfg.NamePrefix) {
			continue
		}
		ip, ok := ipByName[name]
		if !ok {
			r.logger.Warn("group member has no resolvable address", zap.String("resource", name))
			report.Unresolved = append(report.Unresolved, name)
			continue
		}
		if existing, taken := r.registry.Lookup(ip); taken {
			r.logger.Warn("reconcile conflict: ip already leased, skipping member",
				zap.String("client_id", ip),
				zap.String("kept", existing.ResourceName),
				zap.String("skipped", name),
			)
			report.Conflicts = append(report.Conflicts, Conflict{ClientID: ip, Kept: existing.ResourceName, Skipped: name})
			continue
		}

		r.registry.Put(ip, name)
		if _, err := r.scheduler.ScheduleOrReplace(ip, r.cfg.LeaseDuration); err != nil {
			r.registry.Remove(ip)
			return report, fmt.Errorf("schedule expiry for %s: %w", ip, err)
		}
		report.Synced++
		r.journal.Record(ctx, audit.Event{
			Kind:         audit.KindReconciled,
			ClientID:     ip,
			ResourceName: name,
		})
	}

	r.logger.Info("reconciliation finished",
		zap.Int("synced", report.Synced),
		zap.Int("conflicts", len(report.Conflicts)),
		zap.Int("unresolved", len(report.Unresolved)),
	)
	return report, nil
}
