// Package sparse runs a computation split into stages over a pipeline of
// network-separated nodes.
//
// A *source* node deploys tasks to a chain of *worker* nodes. Each worker
// runs its stage of the computation, through an `Executor`, then either
// forwards the result to its downstream worker or, if it is the last stage,
// replies. Results travel back hop by hop, under the correlation id the
// upstream used, until they reach the source.
//
// Every node may also report latency and throughput records to a *monitor*
// node. Reporting is fire-and-forget: a slow or missing monitor never
// slows down the pipeline.
//
// ## How it works
//
// Each node owns a single UDP socket on which a QUIC `Transport` runs. A
// `Session` is a QUIC connection carrying exactly one bidirectional stream
// of length-prefixed frames (see `pkg/wire`). Nodes authenticate each other
// with mTLS, so you MUST provide a `tls.Config` requiring client
// certificates.
//
// The layout of the pipeline is static and described by a `Topology`, from
// which the `NodeConfig` of each stage can be derived:
//
//	topo, err := sparse.NewTopology(
//		sparse.Stage{Name: "source", Role: sparse.RoleSource, Downstream: "a"},
//		sparse.Stage{Name: "a", Role: sparse.RoleWorker, Listen: addrA, Downstream: "b"},
//		sparse.Stage{Name: "b", Role: sparse.RoleWorker, Listen: addrB},
//	)
//	cfg, err := topo.NodeConfig("a", sparse.DefaultNodeConfig())
//	node, err := sparse.NewNode(cfg,
//		sparse.WithTlsConfig(tlsConf),
//		sparse.WithExecutor(stageA),
//	)
//	err = node.Start(ctx)
//	defer node.Stop(ctx)
//
// Sources then call `Node.Deploy`, which can be called concurrently: at
// most `NodeConfig.MaxInFlight` tasks are pending at once, extra calls wait
// for a slot.
//
// ## Failures
//
// Task-level failures (`ErrExecutorFailure`, `ErrTaskTimeout`) never close
// a session. Session-level failures fail every task pending on the lost
// session with `ErrTaskAborted`, and the outbound session is reconnected
// with an exponential backoff. When the retry budget is exhausted,
// `ErrUpstreamUnavailable` is reported once, see
// `WithUpstreamUnavailableHandler`.
//
// Reconfiguring a pipeline while tasks are in flight is not supported: stop
// the nodes, change the topology, start them again.
package sparse
