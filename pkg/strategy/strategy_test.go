package strategy

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	apperrors "github.com/jordigilh/deploynaut/internal/errors"
	"github.com/jordigilh/deploynaut/pkg/artifact"
	"github.com/jordigilh/deploynaut/pkg/metrics"
	"github.com/jordigilh/deploynaut/pkg/platform"
	"github.com/jordigilh/deploynaut/pkg/platform/cluster"
	"github.com/jordigilh/deploynaut/pkg/platform/node"
)

var (
	v1 = artifact.Descriptor{Name: "payments", Version: "1.0.0"}
	v2 = artifact.Descriptor{Name: "payments", Version: "1.1.0"}
)

func fastConfig() Config {
	return Config{
		PerNodeConcurrency:        2,
		HealthPollInterval:        2 * time.Millisecond,
		RollingBatchSize:          2,
		RollingHealthCheckTimeout: 500 * time.Millisecond,
		SmokeDuration:             20 * time.Millisecond,
		SoakDuration:              30 * time.Millisecond,
	}
}

var _ = Describe("Direct", func() {
	It("deploys to every node and succeeds", func() {
		c, nodes := seedCluster(platform.EnvironmentDevelopment, 3, v1)
		s := NewDirect(fastConfig(), testLogger)

		result, err := s.Deploy(context.Background(), v2, c)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Status).To(Equal(StatusSucceeded))
		Expect(currentVersions(nodes)).To(HaveEach("payments@1.1.0"))
		Expect(result.NodeOutcomes).To(HaveLen(3))
	})

	It("returns immediately for an empty cluster", func() {
		c := cluster.New(platform.EnvironmentDevelopment, 2)
		s := NewDirect(fastConfig(), testLogger)

		result, err := s.Deploy(context.Background(), v2, c)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Status).To(Equal(StatusSucceeded))
		Expect(result.NodeOutcomes).To(BeEmpty())
	})

	It("rolls back updated nodes when one apply fails", func() {
		c, nodes := seedCluster(platform.EnvironmentDevelopment, 3, v1)
		// Replace one node with a failing one.
		c.RemoveNode(nodes[2].ID)
		failing := node.New("worker-bad.development.local", platform.EnvironmentDevelopment,
			node.WithID("node-99"),
			node.WithApplyFunc(func(ctx context.Context, desc artifact.Descriptor) error {
				return errors.New("disk full")
			}))
		c.AddNode(failing)

		s := NewDirect(fastConfig(), testLogger)
		result, err := s.Deploy(context.Background(), v2, c)

		Expect(err).To(HaveOccurred())
		Expect(result.Status).To(Equal(StatusFailed))
		// Every surviving node is back on v1.
		Expect(currentVersions(nodes[:2])).To(HaveEach("payments@1.0.0"))
	})

	It("observes cancellation and reverts nodes updated in this call", func() {
		c, nodes := seedCluster(platform.EnvironmentDevelopment, 4, v1,
			node.WithApplyDelay(20*time.Millisecond))
		s := NewDirect(fastConfig(), testLogger)

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(25 * time.Millisecond)
			cancel()
		}()

		result, err := s.Deploy(ctx, v2, c)
		Expect(err).To(HaveOccurred())
		Expect(result.Status).To(Equal(StatusRolledBack))
		Expect(currentVersions(nodes)).To(HaveEach("payments@1.0.0"))
	})
})

var _ = Describe("Rolling", func() {
	It("advances batch by batch and succeeds", func() {
		c, nodes := seedCluster(platform.EnvironmentQA, 5, v1)
		s := NewRolling(fastConfig(), testLogger)

		result, err := s.Deploy(context.Background(), v2, c)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Status).To(Equal(StatusSucceeded))
		Expect(currentVersions(nodes)).To(HaveEach("payments@1.1.0"))
	})

	It("handles a batch size larger than the cluster", func() {
		cfg := fastConfig()
		cfg.RollingBatchSize = 10
		c, nodes := seedCluster(platform.EnvironmentQA, 3, v1)
		s := NewRolling(cfg, testLogger)

		result, err := s.Deploy(context.Background(), v2, c)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Status).To(Equal(StatusSucceeded))
		Expect(currentVersions(nodes)).To(HaveEach("payments@1.1.0"))
	})

	It("rolls back the failed batch and all prior batches", func() {
		c, nodes := seedCluster(platform.EnvironmentQA, 6, v1)
		// node-04 sits in the third batch and fails.
		c.RemoveNode(nodes[4].ID)
		failing := node.New("worker-bad.qa.local", platform.EnvironmentQA,
			node.WithID("node-04"),
			node.WithApplyFunc(func(ctx context.Context, desc artifact.Descriptor) error {
				return errors.New("apply refused")
			}))
		Expect(failing.ApplyArtifact(context.Background(), v1)).To(Succeed())
		c.AddNode(failing)

		s := NewRolling(fastConfig(), testLogger)
		result, err := s.Deploy(context.Background(), v2, c)

		Expect(err).To(HaveOccurred())
		Expect(apperrors.IsType(err, apperrors.ErrorTypeNodeApplyFailed)).To(BeTrue())
		Expect(result.Status).To(Equal(StatusFailed))
		// Batches one and two were updated and must be reverted.
		Expect(currentVersions(nodes[:4])).To(HaveEach("payments@1.0.0"))
		Expect(currentVersions(nodes[5:])).To(HaveEach("payments@1.0.0"))
	})

	It("treats a node removed mid-rollout as a per-node failure", func() {
		c, nodes := seedCluster(platform.EnvironmentQA, 4, v1,
			node.WithApplyDelay(30*time.Millisecond))
		s := NewRolling(fastConfig(), testLogger)

		type outcome struct {
			result *Result
			err    error
		}
		done := make(chan outcome, 1)
		go func() {
			result, err := s.Deploy(context.Background(), v2, c)
			done <- outcome{result, err}
		}()

		// Deregister a second-batch node while the first batch applies.
		time.Sleep(10 * time.Millisecond)
		c.RemoveNode(nodes[3].ID)

		var got outcome
		Eventually(done, "5s").Should(Receive(&got))
		Expect(got.err).To(HaveOccurred())
		Expect(apperrors.IsType(got.err, apperrors.ErrorTypeNodeApplyFailed)).To(BeTrue())
		Expect(got.result.Status).To(Equal(StatusFailed))
		// Everything updated before the failure was reverted.
		Expect(currentVersions(nodes[:3])).To(HaveEach("payments@1.0.0"))
	})

	It("does not start the next batch while the current one is unhealthy", func() {
		cfg := fastConfig()
		cfg.RollingHealthCheckTimeout = 30 * time.Millisecond

		c, nodes := seedCluster(platform.EnvironmentQA, 4, v1)
		// First batch node reports a degraded counter after apply, so the
		// health wait must time out and nothing beyond batch one applies.
		var applied atomic.Bool
		c.RemoveNode(nodes[0].ID)
		degraded := node.New("worker-degraded.qa.local", platform.EnvironmentQA,
			node.WithID("node-00"),
			node.WithApplyFunc(func(ctx context.Context, desc artifact.Descriptor) error {
				applied.Store(true)
				return nil
			}))
		Expect(degraded.ApplyArtifact(context.Background(), v1)).To(Succeed())
		degraded.Heartbeat(node.HealthSample{CPUPercent: 95})
		c.AddNode(degraded)

		s := NewRolling(cfg, testLogger)
		result, err := s.Deploy(context.Background(), v2, c)

		Expect(err).To(HaveOccurred())
		Expect(result.Status).To(Equal(StatusFailed))
		Expect(applied.Load()).To(BeTrue())
		// The second batch never started.
		Expect(currentVersions(nodes[2:])).To(HaveEach("payments@1.0.0"))
	})
})

var _ = Describe("BlueGreen", func() {
	It("stages onto the candidate pool and switches traffic", func() {
		c, _ := seedCluster(platform.EnvironmentStaging, 4, v1)
		Expect(c.TrafficPool()).To(Equal(cluster.PoolBlue))
		green := c.PoolNodes(cluster.PoolGreen)

		s := NewBlueGreen(fastConfig(), testLogger)
		result, err := s.Deploy(context.Background(), v2, c)

		Expect(err).NotTo(HaveOccurred())
		Expect(result.Status).To(Equal(StatusSucceeded))
		Expect(c.TrafficPool()).To(Equal(cluster.PoolGreen))
		Expect(currentVersions(green)).To(HaveEach("payments@1.1.0"))
		// The serving pool was not touched.
		Expect(currentVersions(c.PoolNodes(cluster.PoolBlue))).To(HaveEach("payments@1.0.0"))
	})

	It("runs the smoke check against every candidate node", func() {
		c, _ := seedCluster(platform.EnvironmentStaging, 4, v1)
		var checked atomic.Int32
		cfg := fastConfig()
		cfg.Smoke = func(ctx context.Context, n *node.Node) error {
			checked.Add(1)
			return nil
		}

		s := NewBlueGreen(cfg, testLogger)
		result, err := s.Deploy(context.Background(), v2, c)

		Expect(err).NotTo(HaveOccurred())
		Expect(result.Status).To(Equal(StatusSucceeded))
		Expect(checked.Load()).To(BeNumerically(">=", 2))
	})

	It("tears down the candidate pool on smoke failure and keeps serving from blue", func() {
		c, _ := seedCluster(platform.EnvironmentStaging, 4, v1)
		green := c.PoolNodes(cluster.PoolGreen)
		cfg := fastConfig()
		cfg.Smoke = func(ctx context.Context, n *node.Node) error {
			return errors.New("synthetic request failed")
		}

		s := NewBlueGreen(cfg, testLogger)
		result, err := s.Deploy(context.Background(), v2, c)

		Expect(err).To(HaveOccurred())
		Expect(result.Status).To(Equal(StatusFailed))
		Expect(c.TrafficPool()).To(Equal(cluster.PoolBlue))
		Expect(currentVersions(green)).To(HaveEach("payments@1.0.0"))
	})

	It("swaps traffic back on rollback", func() {
		c, _ := seedCluster(platform.EnvironmentStaging, 4, v1)
		s := NewBlueGreen(fastConfig(), testLogger)

		_, err := s.Deploy(context.Background(), v2, c)
		Expect(err).NotTo(HaveOccurred())
		Expect(c.TrafficPool()).To(Equal(cluster.PoolGreen))

		result, err := s.Rollback(context.Background(), "exec-1", c)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Status).To(Equal(StatusRolledBack))
		Expect(c.TrafficPool()).To(Equal(cluster.PoolBlue))
	})
})

var _ = Describe("Canary", func() {
	newProvider := func() *metrics.Provider {
		// Zero TTL: every snapshot reads the nodes directly.
		return metrics.NewProvider(0)
	}

	baselineHeartbeat := func(nodes []*node.Node) {
		for _, n := range nodes {
			n.Heartbeat(node.HealthSample{CPUPercent: 40, MemoryPercent: 50, LatencyMillis: 100, ErrorRate: 0.01})
		}
	}

	It("advances through all waves when metrics hold", func() {
		c, nodes := seedCluster(platform.EnvironmentProduction, 10, v1)
		baselineHeartbeat(nodes)

		s := NewCanary(fastConfig(), newProvider(), testLogger)
		result, err := s.Deploy(context.Background(), v2, c)

		Expect(err).NotTo(HaveOccurred())
		Expect(result.Status).To(Equal(StatusSucceeded))
		Expect(currentVersions(nodes)).To(HaveEach("payments@1.1.0"))
	})

	It("rolls back every updated node when a wave soak shows degradation", func() {
		// 20 nodes with waves [0.1 0.3 0.5 1.0]: tranches of 2, 4, 4, 10.
		c, nodes := seedCluster(platform.EnvironmentProduction, 20, v1)
		baselineHeartbeat(nodes)

		cfg := fastConfig()
		cfg.SoakDuration = 150 * time.Millisecond
		s := NewCanary(cfg, newProvider(), testLogger)

		type outcome struct {
			result *Result
			err    error
		}
		done := make(chan outcome, 1)
		go func() {
			result, err := s.Deploy(context.Background(), v2, c)
			done <- outcome{result, err}
		}()

		// Once the third wave has applied (node-09 updated), drive the
		// updated nodes' latency to 2.3x baseline during its soak.
		Eventually(func() bool {
			cur := nodes[9].CurrentArtifact()
			return cur != nil && cur.ID() == "payments@1.1.0"
		}, "5s", "5ms").Should(BeTrue())
		for _, n := range nodes[:10] {
			n.Heartbeat(node.HealthSample{CPUPercent: 40, MemoryPercent: 50, LatencyMillis: 230, ErrorRate: 0.01})
		}

		var got outcome
		Eventually(done, "5s").Should(Receive(&got))
		Expect(got.err).To(HaveOccurred())
		Expect(apperrors.IsType(got.err, apperrors.ErrorTypeHealthDegraded)).To(BeTrue())
		Expect(got.result.Status).To(Equal(StatusRolledBack))

		// All updated nodes reverted; the rest never moved.
		Expect(currentVersions(nodes)).To(HaveEach("payments@1.0.0"))

		rollbacks := 0
		for _, o := range got.result.NodeOutcomes {
			if o.Operation == "rollback" && o.Succeeded {
				rollbacks++
			}
		}
		Expect(rollbacks).To(Equal(10))
	})

	It("returns immediately for an empty cluster", func() {
		c := cluster.New(platform.EnvironmentProduction, 2)
		s := NewCanary(fastConfig(), newProvider(), testLogger)

		result, err := s.Deploy(context.Background(), v2, c)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Status).To(Equal(StatusSucceeded))
	})
})

var _ = Describe("waveCounts", func() {
	DescribeTable("tranche computation",
		func(total int, fractions []float64, expected []int) {
			Expect(waveCounts(total, fractions)).To(Equal(expected))
		},
		Entry("twenty nodes, default waves",
			20, []float64{0.1, 0.3, 0.5, 1.0}, []int{2, 6, 10, 20}),
		Entry("ten nodes, default waves",
			10, []float64{0.1, 0.3, 0.5, 1.0}, []int{1, 3, 5, 10}),
		Entry("tiny cluster coalesces duplicate waves",
			1, []float64{0.1, 0.3, 0.5, 1.0}, []int{1}),
		Entry("three nodes keep at least one node per distinct wave",
			3, []float64{0.1, 0.3, 0.5, 1.0}, []int{1, 2, 3}),
		Entry("final wave always takes the remainder",
			7, []float64{0.5, 1.0}, []int{4, 7}),
	)
})
