// Package keyrename runs an atomic rename of one key across a set of
// independent key-value stores.
//
// A CoordinatorServer drives a two-phase protocol against ReplicaServers:
// it locks the key on every replica, records the commit decision durably,
// renames the key everywhere and finally releases the locks. Every request
// carries the coordinator's transaction id and replicas discard requests
// fenced by a newer one, so retransmitted or reordered messages from an
// earlier epoch cannot undo later progress. A coordinator that restarts
// reloads its record, bumps the transaction id and either finishes the
// rename or rolls the attempt back.
//
// # Running the servers
//
//	rep, err := keyrename.NewReplicaServer(ctx, keyrename.ReplicaConfig{
//	    Listen:  ":9451",
//	    ID:      1,
//	    DataDir: "/var/lib/keyrename/replica-1",
//	})
//	if err != nil { log.Fatal(err) }
//	stop, err := keyrename.Run(ctx, rep)
//	if err != nil { log.Fatal(err) }
//	defer stop(context.Background())
//
//	coord, err := keyrename.NewCoordinatorServer(ctx, keyrename.CoordinatorConfig{
//	    Listen:   ":9450",
//	    Store:    "disk:///var/lib/keyrename/coordinator",
//	    Replicas: []keyrename.ReplicaEndpoint{{ID: 1, URL: "http://replica-1:9451"}},
//	})
//
// The coordinator's durable record lives in any storage backend: memory,
// local disk, S3 compatible object stores, AWS S3 or Azure Blob Storage. A
// kryptograf key bundle (KeyFile) seals the record at rest.
//
// # Starting a rename
//
// POST /v1/rename/begin starts an attempt and GET /v1/rename/status reports
// the coordinator phase. The keyrename CLI wraps both, and its check
// subcommand model-checks the protocol against an unreliable network.
package keyrename
