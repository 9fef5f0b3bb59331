package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/knadh/stuffbin"
	"github.com/officedir/phoneauth/internal/auth"
	"github.com/officedir/phoneauth/internal/notify"
	"github.com/officedir/phoneauth/internal/providers/devlog"
	"github.com/officedir/phoneauth/internal/providers/pinpoint"
	"github.com/officedir/phoneauth/internal/providers/smtp"
	"github.com/officedir/phoneauth/internal/providers/twilio"
	"github.com/officedir/phoneauth/internal/providers/webhook"
	"github.com/officedir/phoneauth/internal/store"
	"github.com/officedir/phoneauth/internal/store/mem"
	"github.com/officedir/phoneauth/internal/store/redis"
	"github.com/officedir/phoneauth/internal/users"
	umem "github.com/officedir/phoneauth/internal/users/mem"
	"github.com/officedir/phoneauth/internal/users/postgres"
	"github.com/officedir/phoneauth/pkg/models"
	flag "github.com/spf13/pflag"
	"github.com/zerodha/logf"
)

const (
	envPrefix = "PHONEAUTH_"

	sampleConfig = "/config.sample.toml"
	defaultTpl   = "/static/sms.tpl"
)

func initConfig() {
	lo := initLogger(false)

	// Register --help handler.
	f := flag.NewFlagSet("config", flag.ContinueOnError)
	f.Usage = func() {
		fmt.Println(f.FlagUsages())
		os.Exit(0)
	}
	f.StringSlice("config", []string{"config.toml"},
		"Path to one or more TOML config files to load in order")
	f.Bool("new-config", false, "Generate a sample config.toml in the current directory")
	f.Bool("version", false, "Show build version")
	f.Parse(os.Args[1:])

	// Display version.
	if ok, _ := f.GetBool("version"); ok {
		fmt.Println(buildString)
		os.Exit(0)
	}

	// Write the sample config.
	if ok, _ := f.GetBool("new-config"); ok {
		if err := newConfigFile(initFS(os.Args[0]), "config.toml"); err != nil {
			lo.Fatal("error generating config", "error", err)
		}
		lo.Info("generated config.toml. Edit and run the app")
		os.Exit(0)
	}

	// Read the config files.
	cFiles, _ := f.GetStringSlice("config")
	for _, f := range cFiles {
		lo.Info("reading config", "file", f)
		if err := ko.Load(file.Provider(f), toml.Parser()); err != nil {
			lo.Error("error reading config", "error", err)
		}
	}
	// Load environment variables and merge into the loaded config.
	if err := ko.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, envPrefix)), "__", ".", -1)
	}), nil); err != nil {
		lo.Error("error loading env config", "error", err)
	}

	ko.Load(posflag.Provider(f, ".", ko), nil)
}

func initLogger(debug bool) logf.Logger {
	opts := logf.Opts{EnableCaller: true}
	if debug {
		opts.Level = logf.DebugLevel
		opts.EnableColor = true
	}
	return logf.New(opts)
}

func initFS(exe string) stuffbin.FileSystem {
	// Read stuffed data from self.
	fs, err := stuffbin.UnStuff(exe)
	if err != nil {
		// Binary is unstuffed or is running in dev mode.
		// Fall back to the local filesystem.
		if err == stuffbin.ErrNoID {
			fs, err = stuffbin.NewLocalFS("/", "static/", "config.sample.toml")
			if err != nil {
				fmt.Fprintf(os.Stderr, "error falling back to local filesystem: %v\n", err)
				os.Exit(1)
			}
		} else {
			fmt.Fprintf(os.Stderr, "error reading stuffed binary: %v\n", err)
			os.Exit(1)
		}
	}

	return fs
}

// newConfigFile copies the bundled sample config to path. It refuses to
// overwrite an existing file.
func newConfigFile(fs stuffbin.FileSystem, path string) error {
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		return fmt.Errorf("%s exists. Remove it to generate a new one", path)
	}

	b, err := fs.Read(sampleConfig)
	if err != nil {
		return fmt.Errorf("error reading sample config: %v", err)
	}
	return os.WriteFile(path, b, 0600)
}

// initStore returns the session store named by store.type.
func initStore(lo logf.Logger) store.Store {
	switch typ := ko.String("store.type"); typ {
	case "redis", "":
		var rc redis.Conf
		ko.UnmarshalWithConf("store.redis", &rc, koanf.UnmarshalConf{Tag: "json"})
		st := redis.New(rc, time.Now)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := st.Ping(ctx); err != nil {
			lo.Fatal("error connecting to redis", "error", err)
		}
		return st

	case "memory":
		lo.Warn("using the in-memory session store. Sessions are lost on restart and not shared across instances")
		return mem.New(time.Now)

	default:
		lo.Fatal("unknown store.type", "type", typ)
	}
	return nil
}

// initDirectory returns the user directory named by users.type.
func initDirectory(ctx context.Context, lo logf.Logger) users.Directory {
	switch typ := ko.String("users.type"); typ {
	case "postgres", "":
		var pc postgres.Conf
		ko.UnmarshalWithConf("users.postgres", &pc, koanf.UnmarshalConf{Tag: "json"})

		cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		dir, err := postgres.Open(cctx, pc)
		if err != nil {
			lo.Fatal("error connecting to postgres", "error", err)
		}
		return dir

	case "memory":
		lo.Warn("using the in-memory user directory. Users are lost on restart")
		return umem.New()

	default:
		lo.Fatal("unknown users.type", "type", typ)
	}
	return nil
}

// initNotifier initializes the configured code sender and its message
// templates.
func initNotifier(ctx context.Context, name string, devMode bool, fs stuffbin.FileSystem, lo logf.Logger) auth.Notifier {
	s, err := newSender(ctx, name, devMode, lo)
	if err != nil {
		lo.Fatal("error initializing sender", "sender", name, "error", err)
	}

	var pc models.ProviderConfig
	ko.UnmarshalWithConf("provider."+name, &pc, koanf.UnmarshalConf{Tag: "json"})

	// Optional template file. The bundled template is the default.
	var body []byte
	if pc.Template != "" {
		body, err = os.ReadFile(pc.Template)
	} else {
		body, err = fs.Read(defaultTpl)
	}
	if err != nil {
		lo.Fatal("error reading message template", "sender", name, "error", err)
	}

	d, err := notify.New(s, string(body), pc.Subject, lo)
	if err != nil {
		lo.Fatal("error compiling message template", "sender", name, "error", err)
	}

	lo.Info("loaded sender", "id", s.ID(), "channel", s.ChannelName())
	return d
}

func newSender(ctx context.Context, name string, devMode bool, lo logf.Logger) (models.CodeSender, error) {
	var (
		key  = "provider." + name
		conf = koanf.UnmarshalConf{Tag: "json"}
	)

	switch name {
	case "webhook":
		var c webhook.Config
		ko.UnmarshalWithConf(key, &c, conf)
		return webhook.New(c)

	case "pinpoint":
		var c pinpoint.Config
		ko.UnmarshalWithConf(key, &c, conf)
		return pinpoint.NewSMS(ctx, c)

	case "twilio":
		var c twilio.Config
		ko.UnmarshalWithConf(key, &c, conf)
		return twilio.New(c)

	case "smtp":
		var c smtp.Config
		ko.UnmarshalWithConf(key, &c, conf)
		return smtp.New(c)

	case "log":
		if !devMode {
			return nil, errors.New("the log sender is only allowed with app.dev_mode = true")
		}
		return devlog.New(lo), nil

	case "":
		return nil, errors.New("app.sender is not set")
	}

	return nil, fmt.Errorf("unknown sender '%s'", name)
}
