// possumd - behavioural signal detectors for an authorized session
//
//	possumd run       Run the detector daemon (default)
//	possumd init      Write the default configuration
//	possumd status    Show configuration and stored session values
//	possumd verify    Verify stored session values against their MACs
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"possum/internal/config"
	"possum/internal/detector"
	"possum/internal/health"
	"possum/internal/store"
)

var version = "dev"

func main() {
	cmd := "run"
	args := os.Args[1:]
	if len(args) > 0 && args[0] != "" && args[0][0] != '-' {
		cmd, args = args[0], args[1:]
	}

	var err error
	switch cmd {
	case "run":
		err = cmdRun(args)
	case "init":
		err = cmdInit(args)
	case "status":
		err = cmdStatus(args)
	case "verify":
		err = cmdVerify(args)
	case "version":
		fmt.Println("possumd", version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Println(`possumd - behavioural signal detectors

USAGE:
    possumd <command> [options]

COMMANDS:
    run                 Run the detector daemon (default)
    init                Write the default configuration
    status              Show configuration and stored session values
    verify              Verify stored session values against their MACs
    version             Print the version
    help                Show this help message

OPTIONS:
    -config <path>      Configuration file (default: $POSSUM_CONFIG or
                        ~/.config/possum/config.toml)
    -env <path>         Additional .env file to load

ENVIRONMENT:
    POSSUM_SECRET_KEY_HASH, POSSUM_UNWANTED, POSSUM_DEMO and the other
    POSSUM_* variables override the configuration file.`)
}

// commonFlags registers the flags shared by every command.
func commonFlags(fs *flag.FlagSet) (configPath, envPath *string) {
	configPath = fs.String("config", "", "configuration file")
	envPath = fs.String("env", "", "additional .env file")
	return configPath, envPath
}

func loadEnv(extra string) error {
	paths := []string{".env"}
	if extra != "" {
		paths = append(paths, extra)
	}
	return config.LoadDotEnv(paths...)
}

func cmdInit(args []string) error {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	configPath, _ := commonFlags(fs)
	force := fs.Bool("force", false, "overwrite an existing configuration")
	fs.Parse(args)

	path := *configPath
	if path == "" {
		path = config.ConfigPath()
	}
	if _, err := os.Stat(path); err == nil && !*force {
		return fmt.Errorf("%s already exists (use -force to overwrite)", path)
	}

	cfg := config.DefaultConfig()
	if err := config.SaveConfig(cfg, path); err != nil {
		return err
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}
	fmt.Printf("Wrote %s\n", path)
	return nil
}

func cmdStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath, envPath := commonFlags(fs)
	fs.Parse(args)

	if err := loadEnv(*envPath); err != nil {
		return err
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	fmt.Println("=== possumd Status ===")
	fmt.Println()
	fmt.Printf("Storage:   %s (%s)\n", cfg.Storage.Type, cfg.Storage.Path)
	fmt.Printf("Messaging: %s%s\n", cfg.Messaging.ListenAddr, cfg.Messaging.Path)
	fmt.Printf("GPS:       %v (%s)\n", cfg.Location.GPS.Enabled, cfg.Location.GPS.Device)
	fmt.Printf("Network:   %v\n", cfg.Location.Network.Enabled)
	if len(cfg.Detectors.Unwanted) > 0 {
		fmt.Printf("Unwanted:  %v\n", cfg.Detectors.Unwanted)
	}

	if cfg.Storage.Type != "sqlite" {
		return nil
	}
	if _, err := os.Stat(cfg.Storage.Path); os.IsNotExist(err) {
		fmt.Println()
		fmt.Println("No session values stored yet.")
		return nil
	}

	db, err := store.Inspect(cfg.Storage.Path, time.Duration(cfg.Storage.BusyTimeoutMs)*time.Millisecond)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx := context.Background()
	checker := health.NewChecker()
	checker.RegisterFunc("store", true, health.DatabaseCheck(db.DB().PingContext))
	if res, ok := checker.CheckComponent(ctx, "store"); ok {
		fmt.Println()
		fmt.Printf("Store health:   %s\n", res.Status)
		if res.Status != health.StatusHealthy {
			return fmt.Errorf("store unhealthy: %s", res.Error)
		}
	}

	st, err := db.Stats(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Stored values:  %d\n", st.Rows)
	fmt.Printf("Not uploaded:   %d\n", st.Pending)
	fmt.Printf("Detectors:      %d\n", st.Detectors)
	return nil
}

func cmdVerify(args []string) error {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	configPath, envPath := commonFlags(fs)
	session := fs.String("session", "", "session id the detectors ran under")
	fs.Parse(args)

	if err := loadEnv(*envPath); err != nil {
		return err
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if cfg.Session.SecretKeyHash == "" {
		return fmt.Errorf("no secret key hash configured")
	}
	sessionID := *session
	if sessionID == "" {
		sessionID = cfg.Session.ID
	}
	if sessionID == "" {
		return fmt.Errorf("no session id given")
	}

	db, err := store.Inspect(cfg.Storage.Path, time.Duration(cfg.Storage.BusyTimeoutMs)*time.Millisecond)
	if err != nil {
		return err
	}
	defer db.Close()

	failed := false
	for _, t := range []detector.Type{detector.Position, detector.GpsStatus} {
		id := detectorID(sessionID, t)
		bad, err := db.Verify(context.Background(), id, cfg.Session.SecretKeyHash)
		if err != nil {
			return fmt.Errorf("verify %s: %w", id, err)
		}
		n, err := db.Count(context.Background(), id)
		if err != nil {
			return err
		}
		status := "OK"
		if len(bad) > 0 {
			status = fmt.Sprintf("FAILED (%d corrupted: %v)", len(bad), bad)
			failed = true
		}
		fmt.Printf("%-10s %6d values  %s\n", t, n, status)
	}
	if failed {
		return fmt.Errorf("verification failed")
	}
	return nil
}
