package node

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	apperrors "github.com/jordigilh/deploynaut/internal/errors"
	"github.com/jordigilh/deploynaut/pkg/artifact"
	"github.com/jordigilh/deploynaut/pkg/platform"
)

var _ = Describe("Node", func() {
	var (
		n          *Node
		thresholds Thresholds
		v1, v2     artifact.Descriptor
	)

	BeforeEach(func() {
		n = New("worker-1.dev.local", platform.EnvironmentDevelopment)
		thresholds = DefaultThresholds()
		v1 = artifact.Descriptor{Name: "payments", Version: "1.0.0"}
		v2 = artifact.Descriptor{Name: "payments", Version: "1.1.0"}
	})

	Describe("health evaluation", func() {
		It("starts healthy after registration", func() {
			Expect(n.Health(thresholds)).To(Equal(StateHealthy))
		})

		It("degrades when a counter crosses its threshold", func() {
			n.Heartbeat(HealthSample{CPUPercent: 95})
			Expect(n.Health(thresholds)).To(Equal(StateDegraded))

			n.Heartbeat(HealthSample{ErrorRate: 0.10})
			Expect(n.Health(thresholds)).To(Equal(StateDegraded))
		})

		It("is unhealthy once the heartbeat goes stale", func() {
			frozen := time.Now()
			stale := New("worker-2.dev.local", platform.EnvironmentDevelopment,
				WithClock(func() time.Time { return frozen }))
			stale.Heartbeat(HealthSample{})

			frozen = frozen.Add(3 * time.Minute)
			Expect(stale.Health(thresholds)).To(Equal(StateUnhealthy))
		})

		It("stays inconsistent once marked", func() {
			n.MarkInconsistent()
			n.Heartbeat(HealthSample{})
			Expect(n.Health(thresholds)).To(Equal(StateInconsistent))
			Expect(n.IsInconsistent()).To(BeTrue())
		})
	})

	Describe("EvaluateHealth", func() {
		now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

		DescribeTable("classification",
			func(sample HealthSample, heartbeatAge time.Duration, expected State) {
				result := EvaluateHealth(sample, now.Add(-heartbeatAge), now, DefaultThresholds())
				Expect(result).To(Equal(expected))
			},
			Entry("fresh heartbeat, counters nominal",
				HealthSample{CPUPercent: 40, MemoryPercent: 50, ErrorRate: 0.01}, time.Second, StateHealthy),
			Entry("cpu at threshold",
				HealthSample{CPUPercent: 90}, time.Second, StateDegraded),
			Entry("memory at threshold",
				HealthSample{MemoryPercent: 90}, time.Second, StateDegraded),
			Entry("error rate at threshold",
				HealthSample{ErrorRate: 0.05}, time.Second, StateDegraded),
			Entry("heartbeat exactly at timeout",
				HealthSample{}, 2*time.Minute, StateUnhealthy),
			Entry("heartbeat beyond timeout with bad counters",
				HealthSample{CPUPercent: 99}, time.Hour, StateUnhealthy),
		)
	})

	Describe("ApplyArtifact", func() {
		It("installs the artifact and tracks the previous one", func() {
			Expect(n.ApplyArtifact(context.Background(), v1)).To(Succeed())
			Expect(n.CurrentArtifact().ID()).To(Equal("payments@1.0.0"))
			Expect(n.PreviousArtifact()).To(BeNil())

			Expect(n.ApplyArtifact(context.Background(), v2)).To(Succeed())
			Expect(n.CurrentArtifact().ID()).To(Equal("payments@1.1.0"))
			Expect(n.PreviousArtifact().ID()).To(Equal("payments@1.0.0"))
		})

		It("is idempotent for the installed artifact", func() {
			Expect(n.ApplyArtifact(context.Background(), v1)).To(Succeed())
			Expect(n.ApplyArtifact(context.Background(), v1)).To(Succeed())

			Expect(n.CurrentArtifact().ID()).To(Equal("payments@1.0.0"))
			Expect(n.PreviousArtifact()).To(BeNil())
		})

		It("surfaces a typed failure from the apply capability", func() {
			failing := New("worker-3.dev.local", platform.EnvironmentDevelopment,
				WithApplyFunc(func(ctx context.Context, desc artifact.Descriptor) error {
					return errors.New("disk full")
				}))

			err := failing.ApplyArtifact(context.Background(), v1)
			Expect(err).To(HaveOccurred())
			Expect(apperrors.IsType(err, apperrors.ErrorTypeNodeApplyFailed)).To(BeTrue())
			Expect(failing.CurrentArtifact()).To(BeNil())
		})

		It("honors cancellation during the simulated apply", func() {
			slow := New("worker-4.dev.local", platform.EnvironmentDevelopment,
				WithApplyDelay(5*time.Second))
			ctx, cancel := context.WithCancel(context.Background())

			done := make(chan error, 1)
			go func() { done <- slow.ApplyArtifact(ctx, v1) }()
			cancel()

			Eventually(done, "2s").Should(Receive(HaveOccurred()))
			Expect(slow.CurrentArtifact()).To(BeNil())
		})
	})

	Describe("Rollback", func() {
		It("fails without a previous artifact", func() {
			err := n.Rollback(context.Background())
			Expect(err).To(HaveOccurred())
			Expect(apperrors.IsType(err, apperrors.ErrorTypeNodeApplyFailed)).To(BeTrue())
		})

		It("reinstalls the previous artifact", func() {
			Expect(n.ApplyArtifact(context.Background(), v1)).To(Succeed())
			Expect(n.ApplyArtifact(context.Background(), v2)).To(Succeed())

			Expect(n.Rollback(context.Background())).To(Succeed())
			Expect(n.CurrentArtifact().ID()).To(Equal("payments@1.0.0"))
		})

		It("is a no-op when the previous artifact is already installed", func() {
			Expect(n.ApplyArtifact(context.Background(), v1)).To(Succeed())
			Expect(n.ApplyArtifact(context.Background(), v2)).To(Succeed())

			Expect(n.Rollback(context.Background())).To(Succeed())
			Expect(n.Rollback(context.Background())).To(Succeed())
			Expect(n.CurrentArtifact().ID()).To(Equal("payments@1.0.0"))
		})
	})
})
