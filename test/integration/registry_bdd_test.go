//go:build integration

package integration

import (
	"os"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/cculver78/WireWarden/internal/domain"
	"github.com/cculver78/WireWarden/internal/infra"
)

// The registry suite uses the real process inspector, so liveness and
// process-name checks run against actual PIDs.
var _ = Describe("Daemon registry", func() {
	var (
		runtimeDir string
		registry   *infra.FileRegistry
	)

	ownInfo := func() domain.DaemonInfo {
		return domain.DaemonInfo{
			PID:        os.Getpid(),
			AppVersion: "integration",
			Mode:       "user",
			APIAddr:    "127.0.0.1:7580",
			StartedAt:  time.Now(),
		}
	}

	BeforeEach(func() {
		var err error
		runtimeDir, err = os.MkdirTemp("", "wirewarden-registry-*")
		Expect(err).NotTo(HaveOccurred())
		registry = infra.NewFileRegistry(runtimeDir, infra.NewProcessInspector())
	})

	AfterEach(func() {
		os.RemoveAll(runtimeDir)
	})

	It("registers the daemon and exposes the entry for discovery", func() {
		info := ownInfo()
		Expect(registry.Register(info)).To(Succeed())

		entry, err := registry.Current()
		Expect(err).NotTo(HaveOccurred())
		Expect(entry).NotTo(BeNil())
		Expect(entry.PID).To(Equal(info.PID))
		Expect(entry.APIAddr).To(Equal("127.0.0.1:7580"))
		Expect(entry.Mode).To(Equal("user"))
	})

	It("refreshes the heartbeat timestamp", func() {
		Expect(registry.Register(ownInfo())).To(Succeed())

		before, err := registry.Current()
		Expect(err).NotTo(HaveOccurred())

		time.Sleep(1100 * time.Millisecond)
		Expect(registry.UpdateHeartbeat()).To(Succeed())

		after, err := registry.Current()
		Expect(err).NotTo(HaveOccurred())
		Expect(after.LastHeartbeat).To(BeNumerically(">", before.LastHeartbeat))
	})

	It("claims an entry left behind by a dead process", func() {
		// PIDs above the kernel's pid_max are never alive.
		stale := domain.DaemonInfo{PID: 99999999, StartedAt: time.Now()}
		Expect(registry.Register(stale)).To(Succeed())

		Expect(registry.Register(ownInfo())).To(Succeed())

		entry, err := registry.Current()
		Expect(err).NotTo(HaveOccurred())
		Expect(entry.PID).To(Equal(os.Getpid()))
	})

	It("claims an entry whose pid was recycled by another program", func() {
		// PID 1 is alive but is not a wirewarden process, so the name check
		// must treat the entry as stale.
		recycled := domain.DaemonInfo{PID: 1, StartedAt: time.Now()}
		Expect(registry.Register(recycled)).To(Succeed())

		Expect(registry.Register(ownInfo())).To(Succeed())

		entry, err := registry.Current()
		Expect(err).NotTo(HaveOccurred())
		Expect(entry.PID).To(Equal(os.Getpid()))
	})

	It("clears the entry on shutdown", func() {
		Expect(registry.Register(ownInfo())).To(Succeed())
		Expect(registry.Clear()).To(Succeed())

		entry, err := registry.Current()
		Expect(err).NotTo(HaveOccurred())
		Expect(entry).To(BeNil())
	})

	It("shares the entry across registry instances", func() {
		Expect(registry.Register(ownInfo())).To(Succeed())

		second := infra.NewFileRegistry(runtimeDir, infra.NewProcessInspector())
		entry, err := second.Current()
		Expect(err).NotTo(HaveOccurred())
		Expect(entry).NotTo(BeNil())
		Expect(entry.PID).To(Equal(os.Getpid()))
	})
})
