// Command ccdb runs a standalone instance of the engine: it opens (or
// creates) the data directory and write-ahead log, runs crash recovery,
// and serves the tiny BEGIN/COMMIT/ABORT control surface (spec §6) over a
// REPL, the way the course handout this engine is grounded on wires its
// own pieces together.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"

	"github.com/ccdb-project/ccdb/pkg/cc"
	"github.com/ccdb-project/ccdb/pkg/cc/lock"
	"github.com/ccdb-project/ccdb/pkg/cc/mvcc"
	"github.com/ccdb-project/ccdb/pkg/cc/occ"
	"github.com/ccdb-project/ccdb/pkg/cc/tso"
	"github.com/ccdb-project/ccdb/pkg/config"
	"github.com/ccdb-project/ccdb/pkg/coordinator"
	"github.com/ccdb-project/ccdb/pkg/recovery"
	"github.com/ccdb-project/ccdb/pkg/repl"
	"github.com/ccdb-project/ccdb/pkg/storage"
	"github.com/ccdb-project/ccdb/pkg/txbuffer"
)

func main() {
	dataDir := flag.String("data", "data", "data directory")
	algoName := flag.String("algorithm", "lock", "lock|tso|occ|mvto|mv2pl|si-fcw|si-fuw")
	walSize := flag.Int("wal-size", 0, "WAL buffer flush threshold (0 keeps the default)")
	flag.Parse()

	cfg := config.New(
		config.WithDataDir(*dataDir),
		config.WithLogFilePath(*dataDir+"/wal.log"),
	)
	algo, cfg := algorithmFor(*algoName, cfg)
	if *walSize > 0 {
		cfg.WALSize = *walSize
	}

	store := storage.NewEngine(cfg)
	walMgr, err := recovery.NewManager(cfg, store)
	if err != nil {
		fmt.Fprintln(os.Stderr, "ccdb: recovery failed:", err)
		os.Exit(1)
	}
	defer walMgr.Close()

	ccMgr := cc.NewManager(algo)
	buf := txbuffer.New()
	coord := coordinator.New(cfg, store, buf, ccMgr, walMgr, slog.Default())

	r := repl.NewRepl()
	registerControlCommands(r, coord)

	r.Run(nil, uuid.New(), "ccdb> ")
}

// algorithmFor selects the concurrency-control strategy named on the
// command line and returns cfg with the matching Algorithm/MVCCVariant
// fields set, so the rest of the process (and any diagnostics) agree with
// what was actually constructed.
func algorithmFor(name string, cfg config.Options) (cc.Algorithm, config.Options) {
	switch name {
	case "tso":
		cfg.Algorithm = config.TimestampBased
		return tso.New(), cfg
	case "occ":
		cfg.Algorithm = config.ValidationBased
		return occ.New(), cfg
	case "mvto":
		cfg.Algorithm, cfg.MVCCVariant = config.MVCC, config.MVTO
		return mvcc.NewMVTOManager(cfg.MaxVersionsPerObject), cfg
	case "mv2pl":
		cfg.Algorithm, cfg.MVCCVariant = config.MVCC, config.MV2PL
		return mvcc.NewMV2PLManager(cfg.MaxVersionsPerObject), cfg
	case "si-fcw":
		cfg.Algorithm, cfg.MVCCVariant = config.MVCC, config.SIFCW
		return mvcc.NewSIManager(cfg.MaxVersionsPerObject, mvcc.FirstCommitterWins), cfg
	case "si-fuw":
		cfg.Algorithm, cfg.MVCCVariant = config.MVCC, config.SIFUW
		return mvcc.NewSIManager(cfg.MaxVersionsPerObject, mvcc.FirstUpdaterWins), cfg
	default:
		cfg.Algorithm = config.LockBased
		return lock.New(cfg.LockTimeoutSeconds), cfg
	}
}

// registerControlCommands wires the spec §6 client statement surface
// (BEGIN TRANSACTION / COMMIT / ABORT) onto one session shared by the
// REPL's single stdin/stdout connection. Any other input falls through to
// the REPL's own "trigger is invalid" handling: statement parsing and
// query processing are external collaborators this engine does not
// implement (spec §1's Out of scope).
func registerControlCommands(r *repl.REPL, coord *coordinator.Coordinator) {
	session := coordinator.NewSession()

	r.AddCommand("begin", func(input string, rc *repl.REPLConfig) error {
		tid, err := coord.Begin(session)
		if err != nil {
			return err
		}
		fmt.Fprintf(rc.GetWriter(), "transaction %d started\n", tid)
		return nil
	}, "BEGIN TRANSACTION: start an explicit transaction on this session")

	r.AddCommand("commit", func(input string, rc *repl.REPLConfig) error {
		if err := coord.Commit(session); err != nil {
			return err
		}
		fmt.Fprintln(rc.GetWriter(), "commit ok")
		return nil
	}, "COMMIT: commit the session's open transaction")

	r.AddCommand("abort", func(input string, rc *repl.REPLConfig) error {
		if err := coord.Abort(session); err != nil {
			return err
		}
		fmt.Fprintln(rc.GetWriter(), "abort ok")
		return nil
	}, "ABORT: abort the session's open transaction")
}
