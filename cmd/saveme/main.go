package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/saveme-app/saveme"
)

func usage() {
	fmt.Println("Usage: saveme [-data <dir>] [-config <file>] <command> [arguments]")
	fmt.Println("Commands:")
	fmt.Println("  backup <name> <path> [path...]")
	fmt.Println("  restore <name> <target-dir> [app,app,...]")
	fmt.Println("  verify <name>")
	fmt.Println("  verify-chain <name>")
	fmt.Println("  info <name>")
	fmt.Println("  list")
	os.Exit(1)
}

func main() {
	dataDir := flag.String("data", defaultDataDir(), "data directory")
	configPath := flag.String("config", "", "optional YAML config file")
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		usage()
	}

	conf := saveme.Config{DataDir: *dataDir}
	if *configPath != "" {
		loaded, err := saveme.LoadConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}
		conf = loaded
		if conf.DataDir == "" {
			conf.DataDir = *dataDir
		}
	}

	engine, err := saveme.New(conf)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing engine: %v\n", err)
		os.Exit(1)
	}
	ctx := context.Background()
	if err := engine.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error starting engine: %v\n", err)
		os.Exit(1)
	}
	defer engine.Close()

	switch args[0] {
	case "backup":
		if len(args) < 3 {
			usage()
		}
		specs := make([]saveme.BackupSpec, 0, len(args)-2)
		for _, path := range args[2:] {
			specs = append(specs, saveme.BackupSpec{Path: path})
		}
		summary, err := engine.CreateBackup(ctx, args[1], specs)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating backup: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Backup %q created\n", summary.Name)
		fmt.Printf("  Files:      %d\n", summary.FilesBackedUp)
		fmt.Printf("  Dirs:       %d\n", summary.DirsBackedUp)
		fmt.Printf("  Dedup hits: %d\n", summary.DedupHits)
		fmt.Printf("  Chain head: %s\n", summary.ChainHead)
		if summary.PreviousBackup != "" {
			fmt.Printf("  Follows:    %s\n", summary.PreviousBackup)
		}
		printFailures(summary.Failures)
		stats := engine.MetricsSnapshot()
		fmt.Printf("  Throughput: %.1f MB/s\n", stats.ThroughputMBps())

	case "restore":
		if len(args) < 3 {
			usage()
		}
		var appIDs []string
		if len(args) > 3 {
			appIDs = strings.Split(args[3], ",")
		}
		summary, err := engine.RestoreBackup(ctx, args[1], appIDs, args[2])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error restoring backup: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Backup %q restored to %s\n", summary.Name, args[2])
		fmt.Printf("  Files written: %d\n", summary.FilesRestored)
		fmt.Printf("  Bytes written: %d\n", summary.BytesWritten)
		printFailures(summary.Failures)

	case "verify":
		if len(args) < 2 {
			usage()
		}
		report, err := engine.VerifyBackupIntegrity(args[1])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error verifying backup: %v\n", err)
			os.Exit(1)
		}
		if report.Valid {
			fmt.Printf("Backup %q is intact (%d blobs)\n", report.Backup, len(report.Blobs))
			return
		}
		fmt.Printf("Backup %q FAILED verification\n", report.Backup)
		if report.MetadataError != "" {
			fmt.Printf("  Metadata: %s\n", report.MetadataError)
		}
		for _, blob := range report.Blobs {
			if blob.Status != "ok" {
				fmt.Printf("  Position %d: %s %s\n", blob.Position, blob.Status, blob.Detail)
			}
		}
		os.Exit(1)

	case "verify-chain":
		if len(args) < 2 {
			usage()
		}
		report, err := engine.VerifyBackupChain(args[1])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error verifying chain: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Chain from %q: %s\n", report.Start, strings.Join(report.Sequence, " -> "))
		if report.CycleDetected {
			fmt.Printf("  CYCLE at %q\n", report.CycleAt)
		}
		if report.Valid {
			fmt.Println("  Chain is intact")
			return
		}
		fmt.Println("  Chain FAILED verification")
		os.Exit(1)

	case "info":
		if len(args) < 2 {
			usage()
		}
		info, err := engine.GetBackupChainInfo(args[1])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading chain info: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Backup:     %s\n", info.Name)
		fmt.Printf("Chain head: %s\n", info.ChainHead)
		if info.HasPrevious {
			fmt.Printf("Follows:    %s (%s)\n", info.PreviousBackupName, info.PreviousBackupHash)
		}
		fmt.Printf("Intact:     %v\n", info.IntegrityValid)

	case "list":
		infos, err := engine.ListBackups()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error listing backups: %v\n", err)
			os.Exit(1)
		}
		if len(infos) == 0 {
			fmt.Println("No backups.")
			return
		}
		for _, info := range infos {
			fmt.Printf("%s  %s\n", info.CreatedAt.Format("2006-01-02 15:04:05"), info.Name)
		}

	default:
		usage()
	}
}

func printFailures(failures []saveme.FileFailure) {
	for _, failure := range failures {
		fmt.Printf("  FAILED %s: %s\n", failure.Path, failure.Reason)
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".saveme"
	}
	return filepath.Join(home, ".saveme")
}
