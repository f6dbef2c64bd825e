package pipeline

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	apperrors "github.com/jordigilh/deploynaut/internal/errors"
	"github.com/jordigilh/deploynaut/pkg/approval"
	"github.com/jordigilh/deploynaut/pkg/artifact"
	"github.com/jordigilh/deploynaut/pkg/deployment"
	"github.com/jordigilh/deploynaut/pkg/lock"
	"github.com/jordigilh/deploynaut/pkg/metrics"
	"github.com/jordigilh/deploynaut/pkg/notification"
	"github.com/jordigilh/deploynaut/pkg/platform"
	"github.com/jordigilh/deploynaut/pkg/platform/cluster"
	"github.com/jordigilh/deploynaut/pkg/platform/node"
	"github.com/jordigilh/deploynaut/pkg/signature"
	"github.com/jordigilh/deploynaut/pkg/strategy"
	"github.com/jordigilh/deploynaut/pkg/tracker"
)

var _ = Describe("Pipeline", func() {
	var (
		fixture  *signingFixture
		registry *cluster.InMemoryRegistry
		track    tracker.Tracker
		gate     *approval.Gate
		locker   lock.Locker
		p        *Pipeline
		ctx      context.Context
		seed     artifact.Descriptor
	)

	strategyConfig := strategy.Config{
		PerNodeConcurrency:        2,
		HealthPollInterval:        2 * time.Millisecond,
		RollingBatchSize:          2,
		RollingHealthCheckTimeout: 500 * time.Millisecond,
		SmokeDuration:             10 * time.Millisecond,
		SoakDuration:              10 * time.Millisecond,
	}

	newPipeline := func(approvalTimeout time.Duration) *Pipeline {
		gate = approval.NewGate(approval.NewMemoryStore(),
			notification.NewZapNotifier(testLogger), locker, approvalTimeout, testLogger)
		provider := metrics.NewProvider(0)
		return New(Deps{
			Verifier: signature.NewVerifier(fixture.pool),
			StrategyFor: func(req *deployment.Request) strategy.Strategy {
				return strategy.ForEnvironment(req.Environment, strategyConfig, provider, testLogger)
			},
			Registry:         registry,
			Gate:             gate,
			Tracker:          track,
			Locker:           locker,
			Thresholds:       node.DefaultThresholds(),
			StageTimeout:     5 * time.Second,
			StrictSignatures: true,
			Logger:           testLogger,
		})
	}

	newRequest := func(env platform.Environment, desc artifact.Descriptor) *deployment.Request {
		req := &deployment.Request{
			ExecutionID: "exec-" + string(env),
			Artifact:    desc,
			Environment: env,
			Requester:   "dev@example.com",
			CreatedAt:   time.Now(),
		}
		Expect(track.TrackInProgress(context.Background(), req)).To(Succeed())
		return req
	}

	BeforeEach(func() {
		ctx = context.Background()
		fixture = newSigningFixture()
		registry = cluster.NewInMemoryRegistry(2)
		track = tracker.NewMemory(2*time.Hour, 24*time.Hour)
		locker = lock.NewInProcess()
		seed = fixture.signedArtifact("payments", "1.0.0")
		p = newPipeline(24 * time.Hour)
	})

	Describe("development happy path", func() {
		It("runs every stage to success and closes out atomically", func() {
			nodes := seedEnvironment(registry, platform.EnvironmentDevelopment, 3, seed)
			req := newRequest(platform.EnvironmentDevelopment, fixture.signedArtifact("payments", "1.1.0"))

			exec := p.Run(ctx, req)

			Expect(exec.Status).To(Equal(deployment.StatusSucceeded))
			for _, stage := range deployment.Stages() {
				record := exec.StageRecordFor(stage)
				Expect(record.Status).To(Equal(deployment.StageSucceeded),
					"stage %s should have succeeded", stage)
				Expect(record.StartedAt).NotTo(BeNil())
				Expect(record.EndedAt).NotTo(BeNil())
			}
			Expect(exec.TraceID).NotTo(BeEmpty())

			for _, n := range nodes {
				Expect(n.CurrentArtifact().ID()).To(Equal("payments@1.1.0"))
			}

			// Terminal state recorded, in-progress cleared.
			stored, err := track.GetResult(ctx, req.ExecutionID)
			Expect(err).NotTo(HaveOccurred())
			Expect(stored.Status).To(Equal(deployment.StatusSucceeded))
			_, err = track.GetInProgress(ctx, req.ExecutionID)
			Expect(apperrors.IsType(err, apperrors.ErrorTypeNotFound)).To(BeTrue())
		})
	})

	Describe("signature failures", func() {
		It("fails the security scan under strict mode and never reaches deploy", func() {
			nodes := seedEnvironment(registry, platform.EnvironmentProduction, 3, seed)
			bad := fixture.signedArtifact("payments", "1.1.0")
			bad.Signature = []byte("corrupted")
			req := newRequest(platform.EnvironmentProduction, bad)

			exec := p.Run(ctx, req)

			Expect(exec.Status).To(Equal(deployment.StatusFailed))
			Expect(exec.StageRecordFor(deployment.StageBuild).Status).To(Equal(deployment.StageSucceeded))
			Expect(exec.StageRecordFor(deployment.StageTest).Status).To(Equal(deployment.StageSucceeded))
			Expect(exec.StageRecordFor(deployment.StageSecurityScan).Status).To(Equal(deployment.StageFailed))
			Expect(exec.StageRecordFor(deployment.StageDeploy).Status).To(Equal(deployment.StageSkipped))
			Expect(exec.StageRecordFor(deployment.StageValidation).Status).To(Equal(deployment.StageSkipped))

			// No approval was created and no node was touched.
			_, err := gate.Get(ctx, req.ExecutionID)
			Expect(apperrors.IsType(err, apperrors.ErrorTypeNotFound)).To(BeTrue())
			for _, n := range nodes {
				Expect(n.CurrentArtifact().ID()).To(Equal("payments@1.0.0"))
			}
		})

		It("downgrades an invalid signature to a warning outside production in permissive mode", func() {
			seedEnvironment(registry, platform.EnvironmentDevelopment, 2, seed)
			permissive := newPipeline(24 * time.Hour)
			permissive.deps.StrictSignatures = false

			bad := fixture.signedArtifact("payments", "1.1.0")
			bad.Signature = []byte("corrupted")
			req := newRequest(platform.EnvironmentDevelopment, bad)

			exec := permissive.Run(ctx, req)

			Expect(exec.Status).To(Equal(deployment.StatusSucceeded))
			scan := exec.StageRecordFor(deployment.StageSecurityScan)
			Expect(scan.Status).To(Equal(deployment.StageSucceeded))
			Expect(scan.Message).To(ContainSubstring("downgraded to warning"))
		})

		It("stays strict for production even when permissive is configured", func() {
			seedEnvironment(registry, platform.EnvironmentProduction, 2, seed)
			permissive := newPipeline(24 * time.Hour)
			permissive.deps.StrictSignatures = false

			bad := fixture.signedArtifact("payments", "1.1.0")
			bad.Signature = []byte("corrupted")
			req := newRequest(platform.EnvironmentProduction, bad)

			exec := permissive.Run(ctx, req)
			Expect(exec.Status).To(Equal(deployment.StatusFailed))
			Expect(exec.StageRecordFor(deployment.StageSecurityScan).Status).To(Equal(deployment.StageFailed))
		})
	})

	Describe("approval gating", func() {
		It("fails with the deploy stage skipped when the approval is rejected", func() {
			nodes := seedEnvironment(registry, platform.EnvironmentStaging, 4, seed)
			req := newRequest(platform.EnvironmentStaging, fixture.signedArtifact("payments", "2.0.0"))

			done := make(chan *deployment.Execution, 1)
			go func() {
				defer GinkgoRecover()
				done <- p.Run(ctx, req)
			}()

			// The pipeline creates the approval, then awaits.
			Eventually(func() error {
				_, err := gate.Get(ctx, req.ExecutionID)
				return err
			}, "2s").Should(Succeed())
			_, err := gate.Reject(ctx, req.ExecutionID, "admin@example.com", "awaiting re-test")
			Expect(err).NotTo(HaveOccurred())

			var exec *deployment.Execution
			Eventually(done, "5s").Should(Receive(&exec))

			Expect(exec.Status).To(Equal(deployment.StatusFailed))
			deploy := exec.StageRecordFor(deployment.StageDeploy)
			Expect(deploy.Status).To(Equal(deployment.StageSkipped))
			Expect(deploy.Message).To(ContainSubstring("awaiting re-test"))

			a, err := gate.Get(ctx, req.ExecutionID)
			Expect(err).NotTo(HaveOccurred())
			Expect(a.Status).To(Equal(approval.StatusRejected))
			Expect(*a.Resolver).To(Equal("admin@example.com"))

			for _, n := range nodes {
				Expect(n.CurrentArtifact().ID()).To(Equal("payments@1.0.0"))
			}
		})

		It("fails with the deploy stage skipped when the approval expires", func() {
			nodes := seedEnvironment(registry, platform.EnvironmentProduction, 3, seed)
			short := newPipeline(50 * time.Millisecond)
			req := newRequest(platform.EnvironmentProduction, fixture.signedArtifact("payments", "2.0.0"))

			exec := short.Run(ctx, req)

			Expect(exec.Status).To(Equal(deployment.StatusFailed))
			Expect(exec.StageRecordFor(deployment.StageDeploy).Status).To(Equal(deployment.StageSkipped))
			Expect(exec.Message).To(ContainSubstring("expired"))

			a, err := gate.Get(ctx, req.ExecutionID)
			Expect(err).NotTo(HaveOccurred())
			Expect(a.Status).To(Equal(approval.StatusExpired))

			for _, n := range nodes {
				Expect(n.CurrentArtifact().ID()).To(Equal("payments@1.0.0"))
			}
		})

		It("proceeds to deploy once approved", func() {
			seedEnvironment(registry, platform.EnvironmentStaging, 4, seed)
			req := newRequest(platform.EnvironmentStaging, fixture.signedArtifact("payments", "2.0.0"))

			done := make(chan *deployment.Execution, 1)
			go func() {
				defer GinkgoRecover()
				done <- p.Run(ctx, req)
			}()

			Eventually(func() error {
				_, err := gate.Get(ctx, req.ExecutionID)
				return err
			}, "2s").Should(Succeed())
			_, err := gate.Approve(ctx, req.ExecutionID, "admin@example.com", "ship it")
			Expect(err).NotTo(HaveOccurred())

			var exec *deployment.Execution
			Eventually(done, "5s").Should(Receive(&exec))
			Expect(exec.Status).To(Equal(deployment.StatusSucceeded))

			// The staging strategy is blue-green: the serving pool runs
			// the new version.
			c, err := registry.Get(platform.EnvironmentStaging)
			Expect(err).NotTo(HaveOccurred())
			for _, n := range c.PoolNodes(c.TrafficPool()) {
				Expect(n.CurrentArtifact().ID()).To(Equal("payments@2.0.0"))
			}
		})

		It("does not gate development deployments", func() {
			seedEnvironment(registry, platform.EnvironmentDevelopment, 2, seed)
			req := newRequest(platform.EnvironmentDevelopment, fixture.signedArtifact("payments", "1.1.0"))

			exec := p.Run(ctx, req)
			Expect(exec.Status).To(Equal(deployment.StatusSucceeded))

			_, err := gate.Get(ctx, req.ExecutionID)
			Expect(apperrors.IsType(err, apperrors.ErrorTypeNotFound)).To(BeTrue())
		})
	})

	Describe("stage failures", func() {
		It("treats a test capability failure as a stage failure", func() {
			seedEnvironment(registry, platform.EnvironmentDevelopment, 2, seed)
			p.deps.TestRunner = TestRunnerFunc(func(ctx context.Context, req *deployment.Request) error {
				return errors.New("unit tests failed")
			})
			req := newRequest(platform.EnvironmentDevelopment, fixture.signedArtifact("payments", "1.1.0"))

			exec := p.Run(ctx, req)

			Expect(exec.Status).To(Equal(deployment.StatusFailed))
			Expect(exec.StageRecordFor(deployment.StageTest).Status).To(Equal(deployment.StageFailed))
			Expect(exec.StageRecordFor(deployment.StageSecurityScan).Status).To(Equal(deployment.StageSkipped))
		})

		It("marks the deploy stage rolled back when cancellation reverts it", func() {
			// Slow applies so cancellation lands mid-stage.
			c, err := registry.Get(platform.EnvironmentDevelopment)
			Expect(err).NotTo(HaveOccurred())
			slow := seedSlowNodes(c, 3, seed, 30*time.Millisecond)

			req := newRequest(platform.EnvironmentDevelopment, fixture.signedArtifact("payments", "1.1.0"))

			runCtx, cancel := context.WithCancel(ctx)
			done := make(chan *deployment.Execution, 1)
			go func() {
				defer GinkgoRecover()
				done <- p.Run(runCtx, req)
			}()

			time.Sleep(40 * time.Millisecond)
			cancel()

			var exec *deployment.Execution
			Eventually(done, "5s").Should(Receive(&exec))

			Expect(exec.Status).To(Equal(deployment.StatusRolledBack))
			Expect(exec.StageRecordFor(deployment.StageDeploy).Status).To(Equal(deployment.StageRolledBack))
			Expect(exec.StageRecordFor(deployment.StageValidation).Status).To(Equal(deployment.StageSkipped))

			for _, n := range slow {
				Expect(n.CurrentArtifact().ID()).To(Equal("payments@1.0.0"))
			}

			// The atomic close-out recorded the terminal state.
			stored, err := track.GetResult(ctx, req.ExecutionID)
			Expect(err).NotTo(HaveOccurred())
			Expect(stored.Status).To(Equal(deployment.StatusRolledBack))
			inProgress, err := track.ListInProgress(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(inProgress).To(BeEmpty())
		})
	})
})

// seedSlowNodes registers nodes whose simulated apply takes d.
func seedSlowNodes(c *cluster.Cluster, count int, seed artifact.Descriptor, d time.Duration) []*node.Node {
	nodes := make([]*node.Node, count)
	for i := 0; i < count; i++ {
		nodes[i] = node.New("slow-worker.development.local", platform.EnvironmentDevelopment,
			node.WithApplyDelay(d))
		ExpectWithOffset(1, nodes[i].ApplyArtifact(context.Background(), seed)).To(Succeed())
		c.AddNode(nodes[i])
	}
	return nodes
}
