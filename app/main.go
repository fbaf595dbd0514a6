package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/syncs"
	"github.com/umputun/go-flags"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/umputun/soloq/app/conditions"
	"github.com/umputun/soloq/app/config"
	"github.com/umputun/soloq/app/engine"
	"github.com/umputun/soloq/app/history"
	"github.com/umputun/soloq/app/jobs"
	"github.com/umputun/soloq/app/maintenance"
	"github.com/umputun/soloq/app/notify"
	"github.com/umputun/soloq/app/scheduler"
	"github.com/umputun/soloq/app/store"
	"github.com/umputun/soloq/app/web"
)

var opts struct {
	Store          string        `long:"store" env:"SOLOQ_STORE" default:"runtime/queue-jobs.json" description:"job store file"`
	RetentionDays  int           `long:"retention-days" env:"SOLOQ_RETENTION_DAYS" default:"30" description:"keep finished jobs for days"`
	CancelGrace    time.Duration `long:"cancel-grace" env:"SOLOQ_CANCEL_GRACE" default:"10s" description:"time between graceful and forceful kill"`
	Endpoints      string        `short:"f" long:"endpoints" env:"SOLOQ_ENDPOINTS" default:"endpoints.yml" description:"endpoints yaml file"`
	ReloadInterval time.Duration `long:"reload" env:"SOLOQ_RELOAD" default:"10s" description:"endpoints file check interval, 0 disables reload"`
	Schema         bool          `long:"schema" description:"print JSON schema of endpoints file and exit"`
	SkipBusy       bool          `long:"skip-busy" env:"SOLOQ_SKIP_BUSY" description:"skip scheduled start if previous scheduled job not finished"`
	LogPrefix      bool          `long:"log-prefix" env:"SOLOQ_LOG_PREFIX" description:"prefix job output with endpoint and job id"`
	TimeZone       string        `long:"tz" env:"SOLOQ_TZ" default:"Local" description:"time zone for command templates"`
	Dbg            bool          `long:"dbg" env:"SOLOQ_DEBUG" description:"debug mode"`

	Repeater struct {
		Attempts int           `long:"attempts" env:"ATTEMPTS" default:"1" description:"how many time repeat failed command"`
		Duration time.Duration `long:"duration" env:"DURATION" default:"1s" description:"initial duration"`
		Factor   float64       `long:"factor" env:"FACTOR" default:"3" description:"backoff factor"`
		Jitter   bool          `long:"jitter" env:"JITTER" description:"jitter"`
	} `group:"repeater" namespace:"repeater" env-namespace:"SOLOQ_REPEATER"`

	Web struct {
		Enabled   bool    `long:"enabled" env:"ENABLED" description:"enable JSON api"`
		Address   string  `long:"address" env:"ADDRESS" default:":8080" description:"listen address"`
		BaseURL   string  `long:"base-url" env:"BASE_URL" description:"base URL path for reverse proxy (e.g., /soloq)"`
		StartRate float64 `long:"rate-limit" env:"RATE_LIMIT" default:"10" description:"job starts per second per client, 0 disables"`
	} `group:"web" namespace:"web" env-namespace:"SOLOQ_WEB"`

	History struct {
		DB string `long:"db" env:"DB" description:"history sqlite file, empty disables"`
	} `group:"history" namespace:"history" env-namespace:"SOLOQ_HISTORY"`

	Notify struct {
		Webhook            string        `long:"webhook" env:"WEBHOOK" description:"webhook url"`
		Headers            []string      `long:"header" env:"HEADER" env-delim:"," description:"webhook header as Key:Value"`
		OnError            bool          `long:"on-error" env:"ON_ERROR" description:"notify on failed and canceled jobs"`
		OnCompletion       bool          `long:"on-completion" env:"ON_COMPLETION" description:"notify on completed jobs"`
		Timeout            time.Duration `long:"timeout" env:"TIMEOUT" default:"10s" description:"webhook timeout"`
		ErrorTemplate      string        `long:"err-template" env:"ERR_TEMPLATE" description:"error message template"`
		CompletionTemplate string        `long:"completion-template" env:"COMPLETION_TEMPLATE" description:"completion message template"`
		HostName           string        `long:"host" env:"HOSTNAME" description:"host name running soloq"`
	} `group:"notify" namespace:"notify" env-namespace:"SOLOQ_NOTIFY"`

	Log struct {
		Enabled         bool   `long:"enabled" env:"ENABLED" description:"enable logging to file"`
		Filename        string `long:"filename" env:"FILENAME" default:"soloq.log" description:"file name"`
		MaxSize         int    `long:"max-size" env:"MAX_SIZE" default:"100" description:"maximum size in megabytes"`
		MaxAge          int    `long:"max-age" env:"MAX_AGE" default:"0" description:"maximum number of days to retain"`
		MaxBackups      int    `long:"max-backups" env:"MAX_BACKUPS" default:"7" description:"maximum number of old log files"`
		EnabledCompress bool   `long:"enabled-compress" env:"ENABLED_COMPRESS" description:"compress rotated files"`
	} `group:"log" namespace:"log" env-namespace:"SOLOQ_LOG"`
}

var revision = "unknown"

func main() {
	fmt.Printf("soloq %s\n", revision)

	if _, err := flags.Parse(&opts); err != nil {
		os.Exit(2)
	}

	if opts.Schema {
		if err := printSchema(os.Stdout); err != nil {
			log.Fatalf("[ERROR] can't make schema, %v", err)
		}
		return
	}

	out := setupLogs()
	if opts.Dbg {
		log.Setup(log.Debug, log.Msec, log.CallerFunc, log.CallerPkg, log.CallerFile, log.Out(out), log.Err(out))
	} else {
		log.Setup(log.Msec, log.Out(out), log.Err(out))
	}

	defer func() {
		if x := recover(); x != nil {
			log.Printf("[WARN] run time panic:\n%v", x)
			panic(x)
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	stackTraces() // handle SIGQUIT

	if err := run(ctx); err != nil {
		log.Fatalf("[ERROR] %v", err)
	}
}

// run wires all parts together and blocks until ctx done
func run(ctx context.Context) error {
	st := store.New(opts.Store)
	if err := st.EnsureInitialized(); err != nil {
		return fmt.Errorf("can't initialize job store: %w", err)
	}
	res, err := maintenance.Run(st, maintenance.Options{RetentionDays: opts.RetentionDays})
	if err != nil {
		return fmt.Errorf("can't run store maintenance: %w", err)
	}
	log.Printf("[INFO] store %s maintenance, %s", st.Path(), res)

	cfg, err := config.Load(opts.Endpoints)
	if err != nil {
		return err
	}
	endpoints := config.NewEndpoints(cfg)
	log.Printf("[INFO] loaded %d endpoints from %s", len(cfg.Endpoints), opts.Endpoints)

	tz, err := time.LoadLocation(opts.TimeZone)
	if err != nil {
		return fmt.Errorf("invalid time zone %q: %w", opts.TimeZone, err)
	}

	sched := scheduler.New(nil, opts.SkipBusy)
	events := []engine.EventHandler{}

	hist, err := makeHistory(ctx)
	if err != nil {
		return err
	}
	if hist != nil {
		defer func() {
			if e := hist.Close(); e != nil {
				log.Printf("[WARN] can't close history, %v", e)
			}
		}()
		events = append(events, hist)
	}

	notifier, err := makeNotifier()
	if err != nil {
		return err
	}
	if notifier != nil {
		defer notifier.Close()
		events = append(events, notifier)
	}
	events = append(events, sched)

	eng := engine.New(st, engine.Options{CancelGrace: opts.CancelGrace, Events: events})
	starter := &jobs.Starter{
		Endpoints: endpoints,
		Queue:     eng,
		Builder: &jobs.Builder{
			Repeater: jobs.RepeaterDefaults{Attempts: opts.Repeater.Attempts, Duration: opts.Repeater.Duration,
				Factor: opts.Repeater.Factor, Jitter: opts.Repeater.Jitter},
			Checker:   conditions.NewChecker(),
			LogPrefix: opts.LogPrefix,
			TimeZone:  tz,
		},
	}
	sched.Starter = starter
	if _, err = sched.Load(ctx, cfg.Endpoints); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	gr := syncs.NewSizedGroup(3)
	gr.Go(func(context.Context) { sched.Do(ctx) })

	if opts.ReloadInterval > 0 {
		changes, err := config.Changes(ctx, opts.Endpoints, opts.ReloadInterval)
		if err != nil {
			return err
		}
		gr.Go(func(context.Context) {
			for c := range changes {
				reload(ctx, c, endpoints, sched)
			}
		})
	}

	var webErr error
	if opts.Web.Enabled {
		srv, err := web.New(web.Config{Queue: eng, Starter: starter, Endpoints: endpoints, History: historyLister(hist),
			BaseURL: validateBaseURL(opts.Web.BaseURL), Version: revision, StartRate: opts.Web.StartRate})
		if err != nil {
			return err
		}
		gr.Go(func(context.Context) {
			if err := srv.Run(ctx, opts.Web.Address); err != nil {
				webErr = err
				cancel()
			}
		})
	}

	<-ctx.Done()
	log.Printf("[INFO] shutdown requested")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), opts.CancelGrace+5*time.Second)
	defer shutdownCancel()
	shutdownErr := eng.Shutdown(shutdownCtx)
	gr.Wait()
	return errors.Join(webErr, shutdownErr)
}

func reload(ctx context.Context, cfg *config.Config, endpoints *config.Endpoints, sched *scheduler.Scheduler) {
	endpoints.Replace(cfg)
	n, err := sched.Load(ctx, cfg.Endpoints)
	if err != nil {
		log.Printf("[WARN] can't reschedule endpoints, %v", err)
		return
	}
	log.Printf("[INFO] endpoints reloaded, %d total, %d scheduled", len(cfg.Endpoints), n)
}

// makeHistory opens history db and removes executions older than retention, nil if disabled
func makeHistory(ctx context.Context) (*history.SQLite, error) {
	if opts.History.DB == "" {
		return nil, nil
	}
	hist, err := history.New(opts.History.DB)
	if err != nil {
		return nil, err
	}
	days := opts.RetentionDays
	if days <= 0 {
		days = maintenance.DefaultRetentionDays
	}
	removed, err := hist.Cleanup(ctx, time.Now().AddDate(0, 0, -days))
	if err != nil {
		log.Printf("[WARN] history cleanup failed, %v", err)
	} else if removed > 0 {
		log.Printf("[INFO] removed %d old executions from history", removed)
	}
	return hist, nil
}

// historyLister avoids typed nil in web config
func historyLister(hist *history.SQLite) web.HistoryLister {
	if hist == nil {
		return nil
	}
	return hist
}

func makeNotifier() (*notify.Service, error) {
	if !opts.Notify.OnError && !opts.Notify.OnCompletion {
		return nil, nil
	}
	if opts.Notify.Webhook == "" {
		log.Printf("[WARN] notifications enabled but webhook url not set")
		return nil, nil
	}
	return notify.NewService(notify.Params{
		WebhookURL:         opts.Notify.Webhook,
		Headers:            opts.Notify.Headers,
		Timeout:            opts.Notify.Timeout,
		OnError:            opts.Notify.OnError,
		OnCompletion:       opts.Notify.OnCompletion,
		ErrorTemplate:      opts.Notify.ErrorTemplate,
		CompletionTemplate: opts.Notify.CompletionTemplate,
		Host:               makeHostName(),
	})
}

func makeHostName() string {
	if opts.Notify.HostName != "" {
		return opts.Notify.HostName
	}
	host, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return host
}

func printSchema(w io.Writer) error {
	data, err := json.MarshalIndent(config.GenerateSchema(), "", "  ")
	if err != nil {
		return fmt.Errorf("can't marshal schema: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

// setupLogs returns log destination, rotated file if enabled
func setupLogs() io.Writer {
	if !opts.Log.Enabled {
		return os.Stdout
	}
	return &lumberjack.Logger{
		Filename:   opts.Log.Filename,
		MaxSize:    opts.Log.MaxSize,
		MaxAge:     opts.Log.MaxAge,
		MaxBackups: opts.Log.MaxBackups,
		Compress:   opts.Log.EnabledCompress,
	}
}

// validateBaseURL normalizes base url, "/" and empty mean root
func validateBaseURL(u string) string {
	u = strings.TrimRight(u, "/")
	if u != "" && !strings.HasPrefix(u, "/") {
		u = "/" + u
	}
	return u
}

func stackTraces() {
	sigChan := make(chan os.Signal, 1)
	go func() {
		stacktrace := make([]byte, 8192)
		for range sigChan {
			length := runtime.Stack(stacktrace, true)
			fmt.Println(string(stacktrace[:length]))
		}
	}()
	signal.Notify(sigChan, syscall.SIGQUIT)
}
