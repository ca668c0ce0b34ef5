package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"fourbuy/internal"
	"fourbuy/internal/capture"
	"fourbuy/internal/config"
	"fourbuy/internal/connectors"
	"fourbuy/internal/flow"
	"fourbuy/internal/gateway"
	"fourbuy/internal/imaging"
	"fourbuy/internal/intake"
	"fourbuy/internal/listener"
	"fourbuy/internal/pipeline"
	"fourbuy/internal/records"
	"fourbuy/internal/storage"
	"fourbuy/internal/util"
)

func main() {
	cfg, err := config.Load()
	must(err)

	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cmd := os.Args[1]
	if cmd == "gateway:serve" {
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		addr := fs.String("addr", cfg.GatewayAddr, "listen address")
		backend := fs.String("backend", cfg.BackendWebhookURL, "workflow webhook url")
		_ = fs.Parse(os.Args[2:])
		must(gateway.New(*backend, gateway.WithLogger(logger)).Serve(ctx, *addr))
		return
	}

	db, err := storage.Open(cfg.DBPath)
	must(err)
	defer db.Close()
	store := records.NewStore(db)

	switch cmd {
	case "intake:qr":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		text := fs.String("text", "", "decoded QR text")
		_ = fs.Parse(os.Args[2:])
		if qr, ok := util.ParseFiscalQR(*text); ok {
			fmt.Printf("fiscal qr fn=%s fd=%s fp=%s sum=%s at=%s\n", qr.FN, qr.FD, qr.FP, util.FormatNumber(qr.Sum), qr.Timestamp.Format(time.RFC3339))
		}
		ctrl := newController(cfg, store, logger)
		record, err := ctrl.SubmitQR(ctx, *text)
		mustIntake(err)
		mustIntake(ctrl.SaveRecord(record))
		printRecord(record)
	case "intake:receipt":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		image := fs.String("image", "", "receipt photo path")
		recordID := fs.String("recordId", "", "record the photo completes (defaults to the in-progress record)")
		_ = fs.Parse(os.Args[2:])
		if strings.TrimSpace(*image) == "" {
			must(fmt.Errorf("--image is required"))
		}
		if *recordID != "" {
			must(store.SetCurrentRecordID(*recordID))
		}
		ctrl := newController(cfg, store, logger)
		record, err := ctrl.CaptureReceipt(ctx, capture.NewFileSource(*image))
		mustIntake(err)
		mustIntake(ctrl.SaveRecord(record))
		printRecord(record)
	case "intake:product":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		image := fs.String("image", "", "product photo path")
		_ = fs.Parse(os.Args[2:])
		if strings.TrimSpace(*image) == "" {
			must(fmt.Errorf("--image is required"))
		}
		product, err := newController(cfg, store, logger).CaptureProduct(ctx, capture.NewFileSource(*image))
		mustIntake(err)
		fmt.Printf("product brand=%q product=%q category=%q confidence=%s\n",
			deref(product.Brand), deref(product.Product), deref(product.Category), confidence(product.Confidence))
	case "scan:qr":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		frames := fs.String("frames", "", "directory of camera frames")
		_ = fs.Parse(os.Args[2:])
		if strings.TrimSpace(*frames) == "" {
			must(fmt.Errorf("--frames is required"))
		}
		ctrl := newController(cfg, store, logger)
		record, err := ctrl.ScanQR(ctx, capture.NewDirSource(*frames))
		mustIntake(err)
		mustIntake(ctrl.SaveRecord(record))
		printRecord(record)
	case "receipt:show":
		record := mustLastRecord(store)
		printRecord(*record)
		fmt.Println(pipeline.ShareText(*record, nil))
	case "receipt:export":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		out := fs.String("out", "", "output xlsx path (defaults to OUTPUT_DIR/<record id>.xlsx)")
		_ = fs.Parse(os.Args[2:])
		record := mustLastRecord(store)
		if strings.TrimSpace(*out) == "" {
			*out = filepath.Join(cfg.OutputDir, sanitizeFileName(record.ID)+".xlsx")
		}
		must(pipeline.ExportRecordToXLSX(*record, *out))
		fmt.Printf("exported record=%s items=%d to %s\n", record.ID, len(record.Items), *out)
	case "receipt:share":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		to := fs.String("to", "", "recipient email")
		_ = fs.Parse(os.Args[2:])
		if strings.TrimSpace(*to) == "" {
			must(fmt.Errorf("--to is required"))
		}
		record := mustLastRecord(store)
		must(pipeline.ShareByMail(cfg, *to, *record))
		fmt.Printf("shared record=%s to=%s\n", record.ID, *to)
	case "device:id":
		id, err := store.DeviceID()
		must(err)
		fmt.Println(id)
	case "mail:fetch":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		provider := fs.String("provider", cfg.MailListenerProvider, "gmail|imap")
		label := fs.String("label", cfg.MailListenerLabel, "mailbox/label")
		max := fs.Int("max", cfg.MailListenerFetchMax, "max messages")
		_ = fs.Parse(os.Args[2:])
		name := strings.ToLower(strings.TrimSpace(*provider))
		conn, err := listener.NewConnector(ctx, cfg, name)
		must(err)
		result, err := connectors.NewFetchService(db, cfg.RawMailDir, conn).FetchAndStore(ctx, *label, *max)
		must(err)
		fmt.Printf("mail fetch done provider=%s fetched=%d stored=%d pending=%d\n", name, result.Fetched, result.Stored, result.Pending)
	case "mail:process":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		provider := fs.String("provider", cfg.MailListenerProvider, "gmail|imap")
		messageID := fs.String("messageId", "", "specific message-id")
		batch := fs.Int("batch", cfg.MailListenerProcessBatch, "batch size")
		_ = fs.Parse(os.Args[2:])
		name := strings.ToLower(strings.TrimSpace(*provider))
		processor := newProcessor(cfg, db, logger)
		if strings.TrimSpace(*messageID) != "" {
			res, err := processor.ProcessByProviderMessageID(ctx, name, *messageID)
			must(err)
			fmt.Printf("processed email id=%d status=%s\n", res.EmailID, res.Status)
			if res.Err != nil {
				fmt.Printf("reason: %s\n", intake.Describe(res.Err))
			}
			return
		}
		sum, err := processor.ProcessPending(ctx, *batch, name)
		must(err)
		fmt.Printf("processed pending submitted=%d skipped=%d failed=%d\n", sum.Submitted, sum.Skipped, sum.Failed)
	case "mail:listen":
		must(listener.NewService(db, cfg, newProcessor(cfg, db, logger), logger).Run(ctx))
	default:
		usage()
		os.Exit(1)
	}
}

func newClient(cfg config.Config) *intake.Client {
	client, err := intake.NewClient(cfg.GatewayBaseURL)
	must(err)
	return client
}

func newController(cfg config.Config, store *records.Store, logger *slog.Logger) *flow.Controller {
	return flow.NewController(newClient(cfg), store,
		imaging.NewNormalizer(cfg.ImageMaxWidth, cfg.ImageJPEGQuality),
		flow.WithLogger(logger),
		flow.WithScanInterval(time.Duration(cfg.ScanIntervalMs)*time.Millisecond),
	)
}

func newProcessor(cfg config.Config, db *storage.DB, logger *slog.Logger) *pipeline.ProcessingService {
	return pipeline.NewProcessingService(db, newClient(cfg),
		pipeline.WithPacer(pipeline.NewPacer(cfg.IntakePaceRPS)),
		pipeline.WithNormalizer(imaging.NewNormalizer(cfg.ImageMaxWidth, cfg.ImageJPEGQuality)),
		pipeline.WithLogger(logger),
	)
}

func printRecord(r internal.ScanRecord) {
	fmt.Printf("record id=%s source=%s status=%s items=%d total=%s\n",
		r.ID, r.Source, r.Status, len(r.Items), util.FormatMoney(r.Total, r.Currency))
}

func mustLastRecord(store *records.Store) *internal.ScanRecord {
	record, err := store.Load()
	must(err)
	if record == nil {
		must(fmt.Errorf("no saved receipt"))
	}
	return record
}

func sanitizeFileName(input string) string {
	repl := strings.NewReplacer("<", "_", ">", "_", ":", "_", "/", "_", "\\", "_", "|", "_", "?", "_", "*", "_", " ", "_")
	out := []rune(repl.Replace(input))
	if len(out) > 120 {
		out = out[:120]
	}
	return string(out)
}

func deref(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func confidence(v *float64) string {
	if v == nil {
		return "-"
	}
	return util.FormatNumber(*v)
}

func usage() {
	fmt.Println("usage: fourbuy <command>")
	fmt.Println("commands:")
	fmt.Println("  gateway:serve [--addr=:8080] [--backend=URL]")
	fmt.Println("  intake:qr --text=...")
	fmt.Println("  intake:receipt --image=photo.jpg [--recordId=...]")
	fmt.Println("  intake:product --image=photo.jpg")
	fmt.Println("  scan:qr --frames=./frames")
	fmt.Println("  receipt:show")
	fmt.Println("  receipt:export [--out=./out/receipt.xlsx]")
	fmt.Println("  receipt:share --to=friend@example.org")
	fmt.Println("  device:id")
	fmt.Println("  mail:fetch --provider=gmail|imap --label=INBOX --max=20")
	fmt.Println("  mail:process --provider=gmail|imap [--messageId=...] [--batch=10]")
	fmt.Println("  mail:listen")
}

// mustIntake reports intake failures with their user-facing text.
func mustIntake(err error) {
	if err == nil {
		return
	}
	fmt.Fprintf(os.Stderr, "error: %s (%v)\n", intake.Describe(err), err)
	os.Exit(1)
}

func must(err error) {
	if err == nil {
		return
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
