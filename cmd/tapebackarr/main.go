package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/tapevault/tapebackarr/internal/backupengine"
	"github.com/tapevault/tapebackarr/internal/config"
	"github.com/tapevault/tapebackarr/internal/database"
	"github.com/tapevault/tapebackarr/internal/encryption"
	"github.com/tapevault/tapebackarr/internal/itdttransport"
	"github.com/tapevault/tapebackarr/internal/logging"
	"github.com/tapevault/tapebackarr/internal/models"
	"github.com/tapevault/tapebackarr/internal/notifications"
	"github.com/tapevault/tapebackarr/internal/restore"
	"github.com/tapevault/tapebackarr/internal/scsitransport"
	"github.com/tapevault/tapebackarr/internal/tape"
	"github.com/tapevault/tapebackarr/internal/tapedevice"
	"github.com/tapevault/tapebackarr/internal/tapescheduler"
	"github.com/tapevault/tapebackarr/internal/tapesession"
	"github.com/tapevault/tapebackarr/internal/transport"
)

var (
	version   = "0.1.0"
	buildTime = "development"
)

func main() {
	configPath := flag.String("config", "/etc/tapebackarr/config.json", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	initConfig := flag.Bool("init-config", false, "Create default configuration file")
	listArchives := flag.Bool("list-archives", false, "List archives on the mounted LTFS volume and exit")
	restoreArchive := flag.String("restore-archive", "", "Restore the named archive from the mounted LTFS volume")
	restoreDest := flag.String("restore-dest", "", "Destination directory for -restore-archive")
	flag.Parse()

	if *showVersion {
		fmt.Printf("tapebackarr v%s (built: %s)\n", version, buildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if *initConfig {
		if err := cfg.Save(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "failed to save config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("configuration saved to %s\n", *configPath)
		os.Exit(0)
	}

	logger, err := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Close()

	logger.Info("starting tapebackarr", map[string]interface{}{
		"version": version,
		"config":  *configPath,
	})

	db, err := database.New(cfg.Database.Path)
	if err != nil {
		logger.Error("failed to initialize database", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		logger.Error("failed to run migrations", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
	logger.Info("database initialized", map[string]interface{}{"path": cfg.Database.Path})

	repo := database.NewRepository(db)

	ltfs := tape.NewLTFSService(cfg.Tape.DevicePath, cfg.Tape.MountPath)
	restoreService := restore.NewService(ltfs, logger)

	if *listArchives || *restoreArchive != "" {
		runRestoreCLI(*listArchives, *restoreArchive, *restoreDest, restoreService)
		os.Exit(0)
	}

	xport, err := newTransport(cfg, logger)
	if err != nil {
		logger.Error("failed to initialize tape transport", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
	defer xport.Close()

	device := tapedevice.New(xport)
	session := tapesession.New()

	sender := newSender(cfg, logger)
	encSvc := encryption.NewService(logger)
	wireEncryption(cfg, device, encSvc, logger)

	engine := &backupengine.Engine{
		Device:       device,
		Session:      session,
		Store:        repo,
		Sender:       sender,
		Logger:       logger,
		LTFS:         ltfs,
		MountPath:    cfg.Tape.MountPath,
		GzipArchives: cfg.Tape.GzipArchives,
	}

	dispatcher := &planDispatcher{engine: engine, store: repo, logger: logger}
	sched := tapescheduler.New(repo, dispatcher, logger)

	go sched.Run(context.Background())
	logger.Info("scheduler started", map[string]interface{}{"check_interval_s": cfg.Scheduler.CheckIntervalSeconds})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan

	logger.Info("received shutdown signal", map[string]interface{}{"signal": sig.String()})

	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.Scheduler.DrainGrace())
	defer cancel()

	done := make(chan struct{})
	go func() {
		sched.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-drainCtx.Done():
		logger.Warn("scheduler drain grace exceeded, shutting down anyway", nil)
	}

	logger.Info("tapebackarr shutdown complete", nil)
}

// runRestoreCLI handles the one-shot -list-archives/-restore-archive flags:
// a restore only needs the mounted LTFS volume, not the SCSI/ITDT transport
// the long-running service opens for backups, so this path never touches
// newTransport.
func runRestoreCLI(list bool, archiveName, destDir string, svc *restore.Service) {
	ctx := context.Background()

	if list {
		archives, err := svc.ListArchives(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to list archives: %v\n", err)
			os.Exit(1)
		}
		for _, a := range archives {
			fmt.Printf("%s\t%d bytes\t%s\n", a.Name, a.Size, a.ModTime.Format("2006-01-02T15:04:05Z"))
		}
		return
	}

	if destDir == "" {
		fmt.Fprintln(os.Stderr, "-restore-dest is required with -restore-archive")
		os.Exit(1)
	}
	files, bytes, err := svc.Extract(ctx, archiveName, destDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "restore failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("restored %d files (%d bytes) to %s\n", files, bytes, destDir)
}

// newTransport selects the SCSI or ITDT transport backend; both satisfy the
// same transport.Transport contract, so tapedevice.Device is identical
// either way.
func newTransport(cfg *config.Config, logger *logging.Logger) (transport.Transport, error) {
	switch cfg.Tape.Interface {
	case "itdt":
		logger.Info("using ITDT transport", map[string]interface{}{"itdt_path": cfg.Tape.ITDTPath, "device": cfg.Tape.DevicePath})
		return itdttransport.New(cfg.Tape.ITDTPath, cfg.Tape.DevicePath), nil
	case "scsi", "":
		logger.Info("using SCSI transport", map[string]interface{}{"device": cfg.Tape.DevicePath})
		return scsitransport.New(cfg.Tape.DevicePath)
	default:
		return nil, fmt.Errorf("unknown tape interface %q (want scsi or itdt)", cfg.Tape.Interface)
	}
}

// newSender composes Telegram and Email into a single notifications.Sender,
// fanning a Notification out to every enabled channel. Either channel may be
// disabled in config, in which case it's simply skipped.
func newSender(cfg *config.Config, logger *logging.Logger) notifications.Sender {
	telegram := notifications.NewTelegramService(notifications.TelegramConfig{
		Enabled:  cfg.Notifications.Telegram.Enabled,
		BotToken: cfg.Notifications.Telegram.BotToken,
		ChatID:   cfg.Notifications.Telegram.ChatID,
	})
	email := notifications.NewEmailService(notifications.EmailConfig{
		Enabled:    cfg.Notifications.Email.Enabled,
		SMTPHost:   cfg.Notifications.Email.SMTPHost,
		SMTPPort:   cfg.Notifications.Email.SMTPPort,
		Username:   cfg.Notifications.Email.Username,
		Password:   cfg.Notifications.Email.Password,
		FromEmail:  cfg.Notifications.Email.FromEmail,
		FromName:   cfg.Notifications.Email.FromName,
		ToEmails:   cfg.Notifications.Email.ToEmails,
		UseTLS:     cfg.Notifications.Email.UseTLS,
		SkipVerify: cfg.Notifications.Email.SkipVerify,
	})

	if telegram.IsEnabled() {
		logger.Info("telegram notifications enabled", nil)
	}
	if email.IsEnabled() {
		logger.Info("email notifications enabled", nil)
	}

	return &broadcastSender{telegram: telegram, email: email}
}

// broadcastSender fans a single Notification out to every enabled channel,
// the way RestoreNotifier does for the restore-specific message set.
type broadcastSender struct {
	telegram *notifications.TelegramService
	email    *notifications.EmailService
}

func (b *broadcastSender) Send(ctx context.Context, n *notifications.Notification) error {
	if b.telegram != nil && b.telegram.IsEnabled() {
		_ = b.telegram.Send(ctx, n)
	}
	if b.email != nil && b.email.IsEnabled() {
		_ = b.email.Send(ctx, n)
	}
	return nil
}

// wireEncryption toggles drive-level hardware encryption from an opaquely
// supplied key blob or passphrase. This process never generates or stores
// key material itself; it only passes through whatever was configured
// externally.
func wireEncryption(cfg *config.Config, device *tapedevice.Device, encSvc *encryption.Service, logger *logging.Logger) {
	if !cfg.Encryption.Enabled {
		return
	}

	var keyBlob []byte
	var err error
	switch {
	case cfg.Encryption.KeyBlobBase64 != "":
		keyBlob, err = encryption.DecodeBlob(cfg.Encryption.KeyBlobBase64)
	case cfg.Encryption.Passphrase != "":
		salt, decErr := hex.DecodeString(cfg.Encryption.SaltHex)
		if decErr != nil {
			err = fmt.Errorf("invalid encryption.salt_hex: %w", decErr)
			break
		}
		keyBlob = encryption.DeriveKeyFromPassphrase(cfg.Encryption.Passphrase, salt)
	default:
		logger.Warn("encryption.enabled is true but no key_blob_base64 or passphrase was configured", nil)
		return
	}
	if err != nil {
		logger.Error("failed to resolve hardware encryption key", map[string]interface{}{"error": err.Error()})
		return
	}

	encSvc.Use(keyBlob, "drive-hardware-encryption")
	if err := device.SetEncryption(true, keyBlob); err != nil {
		logger.Error("failed to enable hardware encryption", map[string]interface{}{"error": err.Error()})
	}
}

// planDispatcher is the concrete tapescheduler.Dispatcher: it resolves the
// cartridge a fired BackupPlan should write to and hands off to
// BackupEngine.Run. Cartridge resolution policy (which physical cartridge
// backs "the current one") lives here, keeping backupengine itself
// policy-free, per the division of responsibility tapescheduler.go's doc
// comment calls for.
type planDispatcher struct {
	engine *backupengine.Engine
	store  *database.Repository
	logger *logging.Logger
}

func (d *planDispatcher) Dispatch(ctx context.Context, plan *models.BackupPlan) error {
	cartridge, err := d.resolveCartridge(plan)
	if err != nil {
		return err
	}

	task := &models.BackupTask{
		TaskID:      uuid.NewString(),
		PlanID:      &plan.ID,
		Kind:        plan.Kind,
		State:       models.TaskPending,
		TapeID:      &cartridge.ID,
		SourceRoots: plan.SourceRoots,
	}
	if err := d.store.CreateTask(task); err != nil {
		return fmt.Errorf("create task for plan %d: %w", plan.ID, err)
	}

	d.logger.Info("dispatching plan", map[string]interface{}{
		"plan_id": plan.ID,
		"task_id": task.TaskID,
		"kind":    plan.Kind,
	})

	return d.engine.Run(ctx, task, cartridge)
}

// resolveCartridge picks the cartridge this process's single drive is
// currently bound to. Exactly one drive is addressed per process; no
// concurrent multi-drive orchestration or library-slot automation, so
// there is always at most one "current" cartridge.
func (d *planDispatcher) resolveCartridge(plan *models.BackupPlan) (*models.TapeCartridge, error) {
	cartridge, err := d.store.GetActiveCartridge()
	if err != nil {
		return nil, fmt.Errorf("resolve cartridge for plan %d: %w", plan.ID, err)
	}
	return cartridge, nil
}
