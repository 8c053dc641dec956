package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path"
	"runtime"
	"sort"
	"syscall"

	mega "github.com/Sakura-Byte/go-megadl"
	"github.com/alecthomas/kong"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// version is set by `go build`
var version = "<version>"

// CLI commands (see https://github.com/alecthomas/kong)
var CLI struct {
	Debug    int    `short:"v" type:"counter" help:"Enable debug output (-v for debug, -vv for trace)."`
	Config   string `short:"c" type:"path" default:"megadl.yaml" help:"Path to the yaml config file (optional)."`
	Email    string `short:"e" env:"MEGA_EMAIL" help:"Account email, anonymous session when empty."`
	Password string `short:"p" env:"MEGA_PASSWORD" help:"Account password."`

	Version struct {
	} `cmd:"" help:"Show the program version."`

	Info struct {
	} `cmd:"" help:"Show the account and its quota."`

	Ls struct {
		Link string `arg:"" optional:"" help:"Public file or folder link; the account tree when empty."`
	} `cmd:"" help:"List the files behind a link or in the account."`

	Get struct {
		Link string `arg:"" help:"Public file or folder link."`
		Dir  string `arg:"" optional:"" type:"path" default:"." help:"Download directory."`
	} `cmd:"" help:"Download the files behind a public link."`
}

func main() {
	description := "Lists and downloads files stored on MEGA, decrypting them locally."
	kctx := kong.Parse(&CLI, kong.UsageOnError(), kong.Description(description))

	// Configure logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	switch {
	case CLI.Debug >= 2:
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	case CLI.Debug == 1:
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch kctx.Selected().Name {
	case "version":
		fmt.Printf("%s %s\n", path.Base(os.Args[0]), version)
		fmt.Printf("%s %s/%s (%s)\n", runtime.Version(), runtime.GOOS, runtime.GOARCH, runtime.Compiler)
		return
	case "info":
		err = info(ctx)
	case "ls":
		err = list(ctx, CLI.Ls.Link)
	case "get":
		err = get(ctx, CLI.Get.Link, CLI.Get.Dir)
	default:
		err = fmt.Errorf("command not implemented: '%s'", kctx.Command())
	}
	if err != nil {
		log.Fatal().Err(err).Msg("Failed")
	}
}

// client builds a client from the config file. With login set it
// logs in, anonymously when no email is given.
func client(ctx context.Context, login bool) (*mega.Mega, error) {
	cfg, err := mega.LoadConfig(CLI.Config)
	if err != nil {
		return nil, err
	}
	m := mega.NewWithConfig(cfg)
	if !login {
		return m, nil
	}
	if CLI.Email == "" {
		log.Info().Msg("No email given, using an anonymous session")
		if err := m.LoginAnonymous(ctx); err != nil {
			return nil, err
		}
		return m, nil
	}
	if err := m.Login(ctx, CLI.Email, CLI.Password); err != nil {
		return nil, err
	}
	return m, nil
}

func info(ctx context.Context) error {
	m, err := client(ctx, true)
	if err != nil {
		return err
	}
	user, err := m.GetUser(ctx)
	if err != nil {
		return err
	}
	quota, err := m.GetQuota(ctx)
	if err != nil {
		return err
	}
	p := message.NewPrinter(language.English)
	_, _ = p.Printf("user: %s (%s)\n", user.Email, user.U)
	_, _ = p.Printf("storage used: %d of %d bytes\n", quota.Cstrg, quota.Mstrg)
	_, _ = p.Printf("nodes: %d\n", m.Filesystem().Len())
	return nil
}

func list(ctx context.Context, link string) error {
	var index map[string]*mega.DecryptedNode
	if link == "" {
		m, err := client(ctx, true)
		if err != nil {
			return err
		}
		index, err = m.Filesystem().Index()
		if err != nil {
			return err
		}
	} else {
		m, err := client(ctx, false)
		if err != nil {
			return err
		}
		l, err := mega.ParseLink(link)
		if err != nil {
			return err
		}
		index, _, err = m.GetLink(ctx, l)
		if err != nil {
			return err
		}
	}

	paths := make([]string, 0, len(index))
	for p := range index {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	p := message.NewPrinter(language.English)
	for _, name := range paths {
		n := index[name]
		if n.GetType() == mega.FILE {
			_, _ = p.Printf("%15d  %s  %s\n", n.GetSize(), n.GetTimeStamp().Format("2006-01-02 15:04"), name)
		} else {
			_, _ = p.Printf("%15s  %s  %s/\n", "-", n.GetTimeStamp().Format("2006-01-02 15:04"), name)
		}
	}
	return nil
}

func get(ctx context.Context, link, dir string) error {
	m, err := client(ctx, false)
	if err != nil {
		return err
	}
	l, err := mega.ParseLink(link)
	if err != nil {
		return err
	}
	index, _, err := m.GetLink(ctx, l)
	if err != nil {
		return err
	}
	var total int64
	for _, n := range index {
		if n.GetType() == mega.FILE {
			total += n.GetSize()
		}
	}
	p := message.NewPrinter(language.English)
	_, _ = p.Fprintf(os.Stderr, "downloading %d nodes, %d bytes\n", len(index), total)
	return m.DownloadAll(ctx, index, dir)
}
