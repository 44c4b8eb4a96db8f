package main

import (
	"context"
	"flag"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/coocood/badger"
	"github.com/google/uuid"
	"github.com/ngaut/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pingcap-incubator/tinyrepl/config"
	"github.com/pingcap-incubator/tinyrepl/repl/gcs"
	"github.com/pingcap-incubator/tinyrepl/repl/replicator"
	"github.com/pingcap-incubator/tinyrepl/repl/trx"
	"github.com/pingcap-incubator/tinyrepl/repl/writeset"
)

var (
	configPath  = flag.String("config", "", "config file path")
	baseDir     = flag.String("base-dir", "", "base directory")
	clusterName = flag.String("cluster", "tinyrepl", "cluster name")
	bootstrap   = flag.Bool("bootstrap", false, "bootstrap a new cluster")
	statusAddr  = flag.String("status", "", "status address")
)

var (
	gitHash = "None"
)

const subPathData = "data"

func main() {
	flag.Parse()
	conf := loadConfig()
	if *baseDir != "" {
		conf.BaseDir = *baseDir
	}
	if *bootstrap {
		conf.Bootstrap = true
	}
	if *statusAddr != "" {
		conf.StatusAddr = *statusAddr
	}
	log.Info("gitHash:", gitHash)
	log.SetLevelByString(conf.LogLevel)
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds | log.Lshortfile)
	log.Infof("conf %v", conf)

	db := createDB(subPathData, conf)
	handler := &kvHandler{db: db, staged: make(map[int64][]stagedWrite)}

	sourceID := uuid.New()
	log.Infof("member uuid %v", sourceID)

	group := gcs.NewLoopback(sourceID)
	r, err := replicator.New(conf, sourceID, group, handler)
	if err != nil {
		log.Fatal(err)
	}
	if err = r.Connect(*clusterName, conf.GroupURL, conf.Bootstrap); err != nil {
		log.Fatal(err)
	}

	recvDone := make(chan error, 1)
	go func() { recvDone <- r.AsyncRecv(context.Background()) }()

	if err = r.WaitSynced(30 * time.Second); err != nil {
		log.Fatal(err)
	}
	log.Infof("node synced at position %d", r.Position())

	go func() {
		log.Infof("listening on %v", conf.StatusAddr)
		http.Handle("/metrics", promhttp.Handler())
		http.HandleFunc("/status", func(writer http.ResponseWriter, request *http.Request) {
			writer.WriteHeader(http.StatusOK)
		})
		err := http.ListenAndServe(conf.StatusAddr, nil)
		if err != nil {
			log.Fatal(err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)
	sig := <-sigCh
	log.Infof("Got signal [%s] to exit.", sig)

	if err = r.Close(); err != nil {
		log.Fatal(err)
	}
	if err = <-recvDone; err != nil {
		log.Fatal(err)
	}
	log.Info("Replicator stopped.")

	if err = db.Close(); err != nil {
		log.Fatal(err)
	}
	log.Info("Store closed.")
}

func loadConfig() *config.Config {
	conf := config.DefaultConf
	if *configPath != "" {
		_, err := toml.DecodeFile(*configPath, &conf)
		if err != nil {
			panic(err)
		}
	}
	return &conf
}

func createDB(subPath string, conf *config.Config) *badger.DB {
	opts := badger.DefaultOptions
	opts.NumCompactors = conf.Engine.NumCompactors
	opts.ValueThreshold = conf.Engine.ValueThreshold
	opts.ValueLogWriteOptions.WriteBufferSize = 4 * 1024 * 1024
	opts.Dir = filepath.Join(conf.BaseDir, subPath)
	opts.ValueDir = opts.Dir
	opts.ValueLogFileSize = conf.Engine.VlogFileSize
	opts.MaxTableSize = conf.Engine.MaxTableSize
	opts.NumMemtables = conf.Engine.NumMemTables
	opts.NumLevelZeroTables = conf.Engine.NumL0Tables
	opts.NumLevelZeroTablesStall = conf.Engine.NumL0TablesStall
	opts.SyncWrites = conf.Engine.SyncWrite
	if err := os.MkdirAll(opts.Dir, os.ModePerm); err != nil {
		log.Fatal(err)
	}
	db, err := badger.Open(opts)
	if err != nil {
		log.Fatal(err)
	}
	return db
}

type stagedWrite struct {
	key   []byte
	value []byte
}

// kvHandler applies replicated write sets to the local store: every key in
// the write set is assigned the payload. Apply stages, Commit flushes.
type kvHandler struct {
	db     *badger.DB
	mu     sync.Mutex
	staged map[int64][]stagedWrite
}

func (h *kvHandler) Apply(ctx context.Context, flags trx.Flags, meta *trx.Meta, data []byte) error {
	ws, err := writeset.Unserialize(data)
	if err != nil {
		return err
	}
	writes := make([]stagedWrite, 0, len(ws.Keys()))
	for _, k := range ws.Keys() {
		writes = append(writes, stagedWrite{key: k.Image(), value: ws.Data()})
	}
	h.mu.Lock()
	h.staged[meta.GTID.Seqno] = writes
	h.mu.Unlock()
	return nil
}

func (h *kvHandler) Commit(ctx context.Context, meta *trx.Meta, commit bool) error {
	h.mu.Lock()
	writes := h.staged[meta.GTID.Seqno]
	delete(h.staged, meta.GTID.Seqno)
	h.mu.Unlock()
	if !commit {
		return nil
	}
	return h.db.Update(func(txn *badger.Txn) error {
		for _, w := range writes {
			if err := txn.Set(w.key, w.value); err != nil {
				return err
			}
		}
		return nil
	})
}

func (h *kvHandler) ViewChange(view *gcs.View) error {
	log.Infof("view change: primary %v, members %d, state %v", view.Primary, view.MemberNum, view.StateUUID)
	return nil
}

func (h *kvHandler) Synced() {
	log.Info("caught up with the group")
}

func (h *kvHandler) Unordered(data []byte) {
	log.Infof("unordered data, %d bytes", len(data))
}
