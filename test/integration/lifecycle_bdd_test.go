//go:build integration

package integration

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/cculver78/WireWarden/internal/domain"
	"github.com/cculver78/WireWarden/internal/infra"
	"github.com/cculver78/WireWarden/internal/notify"
	"github.com/cculver78/WireWarden/internal/usecase"
)

// The lifecycle suite runs the real coordinator against real infrastructure:
// a directory scanner over a temp directory, the command runner driving a
// fake wg-quick script that tracks interfaces as marker files, and the
// command observer reading them back through a fake wg script.
var _ = Describe("Tunnel lifecycle", func() {
	var (
		tmpDir     string
		tunnelsDir string
		stateDir   string
		observer   *infra.CommandObserver
		history    *infra.EncryptedHistory
		hub        *notify.Hub
		coord      *usecase.CoordinatorImpl
		cancelRun  context.CancelFunc
		runDone    chan error
		ctx        context.Context
	)

	testKey := []byte("0123456789abcdef0123456789abcdef")

	writeScript := func(name, body string) string {
		path := filepath.Join(tmpDir, "bin", name)
		err := os.WriteFile(path, []byte(body), 0o755)
		Expect(err).NotTo(HaveOccurred())
		return path
	}

	writeTunnelConf := func(name string) {
		content := "[Interface]\nPrivateKey = cGxhY2Vob2xkZXItbm90LWEtcmVhbC1rZXk9PT0=\nAddress = 10.0.0.2/24\n"
		err := os.WriteFile(filepath.Join(tunnelsDir, name), []byte(content), 0o600)
		Expect(err).NotTo(HaveOccurred())
	}

	// pollNow performs one real observation and feeds it to the coordinator,
	// standing in for the supervisor's poll ticker.
	pollNow := func() {
		obs, err := observer.Observe(ctx)
		coord.ReportObservation(obs, err)
	}

	markerExists := func(name string) bool {
		_, err := os.Stat(filepath.Join(stateDir, name))
		return err == nil
	}

	snapshot := func() *domain.Snapshot {
		snap, err := coord.Snapshot(ctx)
		Expect(err).NotTo(HaveOccurred())
		return snap
	}

	tunnelState := func(name string) domain.TunnelState {
		for _, tun := range snapshot().Tunnels {
			if tun.Identifier == name {
				return tun.State
			}
		}
		Fail(fmt.Sprintf("tunnel %q not in snapshot", name))
		return ""
	}

	BeforeEach(func() {
		var err error
		tmpDir, err = os.MkdirTemp("", "wirewarden-integration-*")
		Expect(err).NotTo(HaveOccurred())

		tunnelsDir = filepath.Join(tmpDir, "tunnels")
		stateDir = filepath.Join(tmpDir, "state")
		for _, dir := range []string{tunnelsDir, stateDir, filepath.Join(tmpDir, "bin")} {
			Expect(os.MkdirAll(dir, 0o755)).To(Succeed())
		}

		writeTunnelConf("home.conf")
		writeTunnelConf("work.conf")

		wgQuickPath := writeScript("wg-quick", fmt.Sprintf(`#!/bin/sh
name=$(basename "$2" .conf)
state=%q
case "$1" in
up)
    if [ -e "$state/$name" ]; then
        echo "wg-quick: $name already exists" >&2
        exit 1
    fi
    touch "$state/$name"
    ;;
down)
    if [ ! -e "$state/$name" ]; then
        echo "wg-quick: $name is not a WireGuard interface" >&2
        exit 1
    fi
    rm -f "$state/$name"
    ;;
esac
`, stateDir))
		wgPath := writeScript("wg", fmt.Sprintf("#!/bin/sh\nls %q\n", stateDir))
		pkexecPath := writeScript("pkexec", "#!/bin/sh\nexec \"$@\"\n")

		elevation := infra.NewElevationManagerWith(infra.NewPkexecStrategyWithPath(pkexecPath))
		runner := infra.NewQuickRunner(wgQuickPath, elevation, 30*time.Second, zap.NewNop())
		scanner := infra.NewDirectoryScanner(tunnelsDir)
		observer = infra.NewCommandObserver(wgPath, zap.NewNop())
		hub = notify.NewHub(zap.NewNop())

		history, err = infra.NewEncryptedHistory(filepath.Join(tmpDir, "data"), testKey)
		Expect(err).NotTo(HaveOccurred())

		coord = usecase.NewCoordinator(
			usecase.Config{ConfirmTimeout: time.Minute},
			scanner, runner, history, hub, zap.NewNop())

		var runCtx context.Context
		runCtx, cancelRun = context.WithCancel(context.Background())
		ctx = context.Background()
		runDone = make(chan error, 1)
		go func() { runDone <- coord.Run(runCtx) }()
	})

	AfterEach(func() {
		cancelRun()
		Eventually(runDone).Should(Receive(BeNil()))
		Expect(history.Close()).To(Succeed())
		os.RemoveAll(tmpDir)
	})

	It("discovers configurations at startup", func() {
		snap := snapshot()
		Expect(snap.Tunnels).To(HaveLen(2))
		Expect(snap.Tunnels[0].Identifier).To(Equal("home"))
		Expect(snap.Tunnels[1].Identifier).To(Equal("work"))
		Expect(snap.Active).To(BeEmpty())
		for _, tun := range snap.Tunnels {
			Expect(tun.State).To(Equal(domain.StateDown))
		}
	})

	It("activates a tunnel and confirms it from the interface table", func() {
		Expect(coord.Activate(ctx, "home")).To(Succeed())
		Expect(markerExists("home")).To(BeTrue(), "wg-quick should have run")
		Expect(tunnelState("home")).To(Equal(domain.StateBringingUp))

		pollNow()

		Expect(tunnelState("home")).To(Equal(domain.StateUp))
		Expect(snapshot().Active).To(Equal("home"))
	})

	It("publishes state changes to subscribers", func() {
		events, cancel := hub.Subscribe(ctx)
		defer cancel()

		Expect(coord.Activate(ctx, "home")).To(Succeed())
		pollNow()

		var ev domain.Event
		Eventually(events).Should(Receive(&ev))
		Expect(ev.Kind).To(Equal(domain.EventStateChanged))
		Expect(ev.Tunnel).To(Equal("home"))
		Expect(ev.State).To(Equal(domain.StateBringingUp))

		Eventually(events).Should(Receive(&ev))
		Expect(ev.State).To(Equal(domain.StateUp))
	})

	It("refuses a second tunnel while one is active", func() {
		Expect(coord.Activate(ctx, "home")).To(Succeed())
		pollNow()

		err := coord.Activate(ctx, "work")
		Expect(domain.IsConflict(err)).To(BeTrue(), "expected a conflict, got: %v", err)
		Expect(markerExists("work")).To(BeFalse(), "wg-quick must not run for the refused tunnel")
		Expect(snapshot().Active).To(Equal("home"))
	})

	It("switches tunnels after deactivation", func() {
		Expect(coord.Activate(ctx, "home")).To(Succeed())
		pollNow()
		Expect(coord.Deactivate(ctx, "home")).To(Succeed())
		pollNow()

		Expect(tunnelState("home")).To(Equal(domain.StateDown))
		Expect(snapshot().Active).To(BeEmpty())

		Expect(coord.Activate(ctx, "work")).To(Succeed())
		pollNow()

		Expect(snapshot().Active).To(Equal("work"))
		Expect(markerExists("work")).To(BeTrue())
		Expect(markerExists("home")).To(BeFalse())
	})

	It("treats deactivating an inactive tunnel as a no-op", func() {
		Expect(coord.Deactivate(ctx, "home")).To(Succeed())
		Expect(tunnelState("home")).To(Equal(domain.StateDown))
	})

	It("records transitions in the encrypted history", func() {
		Expect(coord.Activate(ctx, "home")).To(Succeed())
		pollNow()
		Expect(coord.Deactivate(ctx, "home")).To(Succeed())
		pollNow()

		records, err := history.Recent(10)
		Expect(err).NotTo(HaveOccurred())
		Expect(len(records)).To(BeNumerically(">=", 2))

		// Newest first: the down command follows the up command.
		Expect(records[0].Verb).To(Equal("down"))
		Expect(records[0].Outcome).To(Equal(domain.OutcomeSucceeded))
		Expect(records[1].Verb).To(Equal("up"))
		Expect(records[1].Outcome).To(Equal(domain.OutcomeSucceeded))
	})

	It("keeps history readable through a second handle", func() {
		Expect(coord.Activate(ctx, "home")).To(Succeed())
		pollNow()

		reopened, err := infra.NewEncryptedHistory(filepath.Join(tmpDir, "data"), testKey)
		Expect(err).NotTo(HaveOccurred())
		defer reopened.Close()

		records, err := reopened.Recent(10)
		Expect(err).NotTo(HaveOccurred())
		Expect(records).NotTo(BeEmpty())
		Expect(records[0].Tunnel).To(Equal("home"))
	})

	It("adopts a tunnel brought up outside the daemon", func() {
		Expect(os.WriteFile(filepath.Join(stateDir, "home"), nil, 0o644)).To(Succeed())
		pollNow()

		Expect(snapshot().Active).To(Equal("home"))
		Expect(tunnelState("home")).To(Equal(domain.StateUp))

		records, err := history.Recent(1)
		Expect(err).NotTo(HaveOccurred())
		Expect(records).To(HaveLen(1))
		Expect(records[0].Outcome).To(Equal(domain.OutcomeAdopted))
		Expect(records[0].Origin).To(Equal(domain.OriginExternal))
	})

	It("notices a tunnel deactivated outside the daemon", func() {
		Expect(coord.Activate(ctx, "home")).To(Succeed())
		pollNow()

		Expect(os.Remove(filepath.Join(stateDir, "home"))).To(Succeed())
		pollNow()

		Expect(tunnelState("home")).To(Equal(domain.StateDown))
		Expect(snapshot().Active).To(BeEmpty())

		records, err := history.Recent(1)
		Expect(err).NotTo(HaveOccurred())
		Expect(records[0].Outcome).To(Equal(domain.OutcomeLost))
	})

	It("reports files rejected during a rescan", func() {
		writeTunnelConf("bad name.conf")

		summary, err := coord.Rescan(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(summary.Discovered).To(Equal(2))
		Expect(summary.Rejected).To(HaveLen(1))
		Expect(summary.Rejected[0].Name).To(Equal("bad name.conf"))
		Expect(snapshot().Rejected).To(HaveLen(1))
	})

	It("picks up configurations added after startup", func() {
		writeTunnelConf("vpn2.conf")

		summary, err := coord.Rescan(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(summary.Discovered).To(Equal(3))

		Expect(coord.Activate(ctx, "vpn2")).To(Succeed())
		pollNow()
		Expect(snapshot().Active).To(Equal("vpn2"))
	})
})
