package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/golang/glog"
	"github.com/peterbourgon/ff/v3"
	"golang.org/x/sync/errgroup"

	"github.com/EvolutionIT/wtw-transcoder/api"
	"github.com/EvolutionIT/wtw-transcoder/clients"
	"github.com/EvolutionIT/wtw-transcoder/config"
	"github.com/EvolutionIT/wtw-transcoder/handlers"
	"github.com/EvolutionIT/wtw-transcoder/jobstore"
	"github.com/EvolutionIT/wtw-transcoder/pipeline"
	"github.com/EvolutionIT/wtw-transcoder/pprof"
	"github.com/EvolutionIT/wtw-transcoder/queue"
	"github.com/EvolutionIT/wtw-transcoder/reaper"
	"github.com/EvolutionIT/wtw-transcoder/state"
	"github.com/EvolutionIT/wtw-transcoder/video"
)

func main() {
	err := flag.Set("logtostderr", "true")
	if err != nil {
		glog.Fatal(err)
	}
	fs := flag.NewFlagSet("wtw-transcoder", flag.ExitOnError)
	cli := config.Cli{}

	version := fs.Bool("version", false, "print application version")

	fs.StringVar(&cli.HTTPAddress, "http-addr", "", "Address to bind the API server to (defaults to 0.0.0.0:3000, or PORT)")
	fs.StringVar(&cli.APIToken, "api-token", "", "Auth header value for API access")
	fs.StringVar(&cli.RedisURL, "redis-url", "", "URL of the redis queue backend, e.g. redis://127.0.0.1:6379/0")
	fs.StringVar(&cli.DatabasePath, "database-path", "", "Path of the SQLite job database (defaults to <scratch-dir>/jobs.db)")
	fs.StringVar(&cli.ScratchDir, "scratch-dir", "", "Directory for per-job scratch files")
	fs.IntVar(&cli.MaxConcurrentJobs, "max-concurrent-jobs", 0, "Maximum number of jobs processed at once on this worker")

	fs.StringVar(&cli.ObjectStoreEndpoint, "object-store-endpoint", "", "S3-compatible endpoint of the object store")
	fs.StringVar(&cli.ObjectStoreRegion, "object-store-region", "", "Region of the object store")
	fs.StringVar(&cli.ObjectStoreKeyID, "object-store-key-id", "", "Access key id for the object store")
	fs.StringVar(&cli.ObjectStoreAppKey, "object-store-app-key", "", "Application key for the object store")
	fs.StringVar(&cli.SourceBucket, "source-bucket", "", "Bucket holding source videos")
	fs.StringVar(&cli.OutputBucket, "output-bucket", "", "Bucket receiving HLS bundles")

	fs.StringVar(&cli.DefaultCallbackURL, "default-callback-url", "", "Callback URL used when a submission carries none")
	fs.StringVar(&cli.CallbackToken, "callback-token", "", "Bearer token sent with callbacks")
	pprofPort := fs.Int("pprof-port", 0, "Loopback port for the pprof endpoints (0 disables)")
	_ = fs.String("config", "", "config file (optional)")

	err = ff.Parse(fs, os.Args[1:],
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ff.PlainParser),
		ff.WithEnvVarPrefix("WTW_TRANSCODER"),
	)
	if err != nil {
		glog.Fatalf("error parsing cli: %s", err)
	}
	cli.ParseLegacyEnv()
	if len(fs.Args()) > 0 {
		glog.Fatalf("unexpected extra arguments on command line: %v", fs.Args())
	}

	if *version {
		fmt.Printf("wtw-transcoder version: %s\n", config.Version)
		return
	}

	if cli.HTTPAddress == "" {
		cli.HTTPAddress = "0.0.0.0:3000"
	}
	if cli.ScratchDir == "" {
		cli.ScratchDir = config.DefaultScratchDir
	}
	if cli.DatabasePath == "" {
		cli.DatabasePath = cli.ScratchDir + "/jobs.db"
	}
	if cli.MaxConcurrentJobs == 0 {
		cli.MaxConcurrentJobs = config.DefaultMaxConcurrentJobs
	}
	if err := cli.Validate(); err != nil {
		glog.Fatalf("invalid configuration: %s", err)
	}
	if err := os.MkdirAll(cli.ScratchDir, 0755); err != nil {
		glog.Fatalf("error creating scratch dir: %s", err)
	}

	// startup order matters: job store, then queue, then workers, then HTTP
	store, err := jobstore.Open(cli.DatabasePath)
	if err != nil {
		glog.Fatalf("error opening job store: %s", err)
	}
	defer store.Close()

	jobQueue, err := queue.New(context.Background(), cli.RedisURL)
	if err != nil {
		glog.Fatalf("error connecting to queue backend: %s", err)
	}
	defer jobQueue.Close()

	objectStore := clients.NewObjectStore(clients.ObjectStoreConfig{
		Endpoint:     cli.ObjectStoreEndpoint,
		Region:       cli.ObjectStoreRegion,
		KeyID:        cli.ObjectStoreKeyID,
		AppKey:       cli.ObjectStoreAppKey,
		SourceBucket: cli.SourceBucket,
		OutputBucket: cli.OutputBucket,
	})
	checkpoints := state.NewManager(cli.ScratchDir)

	runner := &pipeline.Runner{
		ObjectStore:        objectStore,
		Encoder:            video.FFmpeg{},
		Prober:             video.Probe{},
		Checkpoints:        checkpoints,
		Callbacks:          clients.NewCallbackClient(cli.CallbackToken),
		DefaultCallbackURL: cli.DefaultCallbackURL,
	}
	coordinator := &pipeline.Coordinator{
		Store:       store,
		Queue:       jobQueue,
		Runner:      runner,
		Concurrency: cli.MaxConcurrentJobs,
	}
	scratchReaper := &reaper.Reaper{
		Checkpoints: checkpoints,
		Queue:       jobQueue,
	}
	handlersCollection := &handlers.TranscodeHandlersCollection{
		Store:              store,
		Queue:              jobQueue,
		Coordinator:        coordinator,
		ObjectStore:        objectStore,
		MaxConcurrentJobs:  cli.MaxConcurrentJobs,
		DefaultCallbackURL: cli.DefaultCallbackURL,
	}

	group, ctx := errgroup.WithContext(context.Background())

	group.Go(func() error {
		return handleSignals(ctx)
	})
	group.Go(func() error {
		return coordinator.Start(ctx)
	})
	group.Go(func() error {
		scratchReaper.Start(ctx)
		return nil
	})
	group.Go(func() error {
		return api.ListenAndServe(ctx, cli.HTTPAddress, cli.APIToken, handlersCollection)
	})
	if *pprofPort > 0 {
		group.Go(func() error {
			return pprof.ListenAndServe(*pprofPort)
		})
	}

	err = group.Wait()
	glog.Infof("Shutdown complete. Reason for shutdown: %s", err)
}

func handleSignals(ctx context.Context) error {
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGQUIT, syscall.SIGTERM, syscall.SIGINT)
	for {
		select {
		case s := <-c:
			glog.Errorf("caught signal=%v, attempting clean shutdown", s)
			return fmt.Errorf("caught signal=%v", s)
		case <-ctx.Done():
			return nil
		}
	}
}
