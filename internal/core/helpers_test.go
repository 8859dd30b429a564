package core

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/JonMunkholm/traceability/internal/config"
	"github.com/JonMunkholm/traceability/internal/device"
	"github.com/JonMunkholm/traceability/internal/identifier"
	"github.com/JonMunkholm/traceability/internal/ledger"
	"github.com/JonMunkholm/traceability/internal/lifecycle"
)

// testIMEI returns the n-th valid test IMEI.
func testIMEI(n int) string {
	body := fmt.Sprintf("35%012d", n)
	d, err := identifier.LuhnCheckDigit(body)
	if err != nil {
		panic(err)
	}
	return body + strconv.Itoa(d)
}

// testICCID returns the n-th valid 19-digit test ICCID.
func testICCID(n int) string {
	body := fmt.Sprintf("8944%014d", n)
	d, err := identifier.LuhnCheckDigit(body)
	if err != nil {
		panic(err)
	}
	return body + strconv.Itoa(d)
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Import.RetryBackoff = time.Millisecond
	cfg.Import.ContextCheckInterval = 1
	cfg.Import.MaxWaitTime = time.Second
	return cfg
}

// collectSink keeps every delivered report.
type collectSink struct {
	mu      sync.Mutex
	reports []*ImportReport
}

func (c *collectSink) Deliver(_ context.Context, r *ImportReport) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reports = append(c.reports, r)
	return nil
}

func (c *collectSink) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.reports)
}

var fixedNow = time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)

func newTestService(t *testing.T, cfg *config.Config, opts ...Option) (*Service, *device.MemoryStore) {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	store := device.NewMemoryStore()
	opts = append([]Option{WithReportSink(&collectSink{})}, opts...)
	svc, err := NewService(cfg, store, store, opts...)
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	return svc, store
}

// csvRow is one line of a generated import file.
type csvRow struct {
	imei, iccid, carton, pallet, order string
}

func buildCSV(rows []csvRow) string {
	var b strings.Builder
	b.WriteString("IMEI,ICCID,Carton,Pallet,Order\n")
	for _, r := range rows {
		fmt.Fprintf(&b, "%s,%s,%s,%s,%s\n", r.imei, r.iccid, r.carton, r.pallet, r.order)
	}
	return b.String()
}

func importCSV(t *testing.T, svc *Service, content string, opts ImportOptions) *ImportReport {
	t.Helper()
	rep, err := svc.ImportFile(context.Background(), "devices.csv", strings.NewReader(content), opts)
	if err != nil {
		t.Fatalf("ImportFile() error = %v", err)
	}
	return rep
}

// advance walks a stored device through states, failing the test on the
// first rejected transition.
func advance(t *testing.T, svc *Service, imei string, states ...lifecycle.State) {
	t.Helper()
	for _, st := range states {
		if _, err := svc.Transition(context.Background(), imei, st, "tester", ""); err != nil {
			t.Fatalf("Transition(%s) error = %v", st, err)
		}
	}
}

func register(t *testing.T, svc *Service, n int, ref ContainerRef) string {
	t.Helper()
	imei := testIMEI(n)
	_, err := svc.RegisterDevice(context.Background(), RegisterParams{IMEI: imei, Container: ref, Actor: "tester"})
	if err != nil {
		t.Fatalf("RegisterDevice() error = %v", err)
	}
	return imei
}

// plant writes a device straight into store, bypassing the service checks,
// the way another writer or older data could have left it.
func plant(t *testing.T, store *device.MemoryStore, n int, ref ContainerRef) string {
	t.Helper()
	imei := testIMEI(n)
	d := &device.Device{IMEI: imei, State: lifecycle.InProduction}
	d.SetLocation(ref)
	ev := ledger.New(imei, ledger.EventCreated, "tester", fixedNow)
	ev.NewState = lifecycle.InProduction
	ev.After = &ref
	if err := store.Create(context.Background(), d, ev); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return imei
}

func checkCounts(t *testing.T, rep *ImportReport) {
	t.Helper()
	if got := rep.Succeeded + rep.Failed + rep.Skipped; got != rep.Total {
		t.Errorf("succeeded+failed+skipped = %d, want total %d (%+v)", got, rep.Total, rep)
	}
}

// ackLossStore commits a Create and then reports the storage as
// unavailable, once per IMEI in lose.
type ackLossStore struct {
	*device.MemoryStore
	mu   sync.Mutex
	lose map[string]bool
}

func (s *ackLossStore) Create(ctx context.Context, d *device.Device, e ledger.Event) error {
	if err := s.MemoryStore.Create(ctx, d, e); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lose[d.IMEI] {
		delete(s.lose, d.IMEI)
		return fmt.Errorf("commit ack lost: %w", device.ErrUnavailable)
	}
	return nil
}

type mapDirectory map[string]string

func (m mapDirectory) CustomerName(_ context.Context, id string) (string, error) {
	name, ok := m[id]
	if !ok {
		return "", fmt.Errorf("customer %s: %w", id, device.ErrNotFound)
	}
	return name, nil
}

func TestResolveActor(t *testing.T) {
	ctx := ContextWithActor(context.Background(), "line-3")

	tests := []struct {
		name  string
		ctx   context.Context
		actor string
		want  string
	}{
		{"explicit actor wins", ctx, "alice", "alice"},
		{"context actor", ctx, "", "line-3"},
		{"fallback", context.Background(), "", "system"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := resolveActor(tt.ctx, tt.actor, "system"); got != tt.want {
				t.Errorf("resolveActor() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRetry(t *testing.T) {
	svc, _ := newTestService(t, nil)

	t.Run("transient then success", func(t *testing.T) {
		calls := 0
		err := svc.retry(context.Background(), func(context.Context) error {
			calls++
			if calls < 3 {
				return device.ErrUnavailable
			}
			return nil
		})
		if err != nil || calls != 3 {
			t.Errorf("retry() = %v after %d calls, want nil after 3", err, calls)
		}
	})

	t.Run("permanent error is not retried", func(t *testing.T) {
		calls := 0
		err := svc.retry(context.Background(), func(context.Context) error {
			calls++
			return device.ErrNotFound
		})
		if !errors.Is(err, device.ErrNotFound) || calls != 1 {
			t.Errorf("retry() = %v after %d calls, want ErrNotFound after 1", err, calls)
		}
	})

	t.Run("attempts exhausted", func(t *testing.T) {
		calls := 0
		err := svc.retry(context.Background(), func(context.Context) error {
			calls++
			return device.ErrUnavailable
		})
		if !errors.Is(err, device.ErrUnavailable) {
			t.Errorf("retry() = %v, want ErrUnavailable", err)
		}
		if calls != svc.cfg.Import.RetryAttempts+1 {
			t.Errorf("calls = %d, want %d", calls, svc.cfg.Import.RetryAttempts+1)
		}
	})
	t.Run("expired job deadline is not retried", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
		defer cancel()
		<-ctx.Done()
		calls := 0
		err := svc.retry(ctx, func(ctx context.Context) error {
			calls++
			return fmt.Errorf("%w: %v", device.ErrUnavailable, ctx.Err())
		})
		if !errors.Is(err, device.ErrUnavailable) || calls != 1 {
			t.Errorf("retry() = %v after %d calls, want ErrUnavailable after 1", err, calls)
		}
	})
}
