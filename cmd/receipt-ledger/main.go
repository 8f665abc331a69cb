package main

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
	"github.com/shopspring/decimal"

	"github.com/zombor/receipt-ledger/internal/expense"
	"github.com/zombor/receipt-ledger/internal/ledger"
	"github.com/zombor/receipt-ledger/internal/location"
	"github.com/zombor/receipt-ledger/internal/ocr/tesseract"
	"github.com/zombor/receipt-ledger/internal/pipeline"
	"github.com/zombor/receipt-ledger/internal/scanning"
	"github.com/zombor/receipt-ledger/internal/tax"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

const (
	exitOK      = 0
	exitSetup   = 1
	exitFailure = 2
)

// output is printed as JSON on stdout
type output struct {
	Status  string                `json:"status"`
	Kind    expense.FailureKind   `json:"failure_kind,omitempty"`
	Error   string                `json:"error,omitempty"`
	Draft   *expense.ExpenseDraft `json:"draft,omitempty"`
	EntryID string                `json:"entry_id,omitempty"`
}

func main() {
	os.Exit(run())
}

func run() int {
	// Check for version flag before parsing other flags
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			return exitOK
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("Failed to load .env", "error", err)
	}

	defaults := pipeline.DefaultConfig()

	fs := ff.NewFlagSet("receipt-ledger")
	var (
		imagePath   = fs.StringLong("image", "", "Receipt image to process (JPEG, PNG, WebP, HEIC or PDF)")
		mimeType    = fs.StringLong("mime", "", "Declared MIME type of the image (defaults to the file extension)")
		text        = fs.StringLong("text", "", "Receipt typed by hand, e.g. \"Staples $42.99 office supplies Jan 5 2024\"")
		manualText  = fs.StringLong("manual-text", "", "Text to use if the image cannot be read")
		profileID   = fs.StringLong("profile", "default", "Profile ID")
		country     = fs.StringLong("jurisdiction", "CA", "Tax jurisdiction (CA or US)")
		currency    = fs.StringLong("currency", "CAD", "Default currency of the profile")
		taxYear     = fs.IntLong("tax-year", time.Now().Year(), "Tax year of the profile")
		profileType = fs.StringLong("profile-type", string(expense.ProfileBusiness), "Profile type: BUSINESS or PERSONAL")
		merchant    = fs.StringLong("merchant", "", "Merchant override")
		amount      = fs.StringLong("amount", "", "Amount override, e.g. 42.99")
		curOverride = fs.StringLong("override-currency", "", "Currency override")
		date        = fs.StringLong("date", "", "Date override (YYYY-MM-DD)")
		category    = fs.StringLong("category", "", "Category override, e.g. OFFICE_SUPPLIES")
		coords      = fs.StringLong("coordinates", "", "Location override as lat,lon")
		scannerType = fs.StringLong("scanner", "gemini", "Structured extraction: 'gemini', 'ollama' or 'none'")
		geminiKey   = fs.StringLong("gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)")
		geminiModel = fs.StringLong("gemini-model", "gemini-2.5-flash", "Google Gemini model name")
		ollamaURL   = fs.StringLong("ollama-url", "http://localhost:11434", "Ollama API base URL")
		ollamaModel = fs.StringLong("ollama-model", "llama3.1:8b", "Ollama model name")
		maxTokens   = fs.IntLong("max-tokens", 2000, "Maximum tokens in a structured extraction reply")
		ocrLangs    = fs.StringLong("ocr-languages", "eng", "Comma separated Tesseract languages")
		geocoderURL = fs.StringLong("geocoder-url", "", "Nominatim compatible geocoder URL (empty disables geocoding)")
		maxCalls    = fs.IntLong("max-concurrent-calls", defaults.MaxConcurrentCalls, "Concurrent external calls")
		perMinute   = fs.IntLong("calls-per-minute", defaults.CallsPerMinute, "External calls per minute")
		timeout     = fs.StringLong("timeout", "", "Overall deadline for one run, e.g. 90s (defaults to the retry budget)")
		dbPath      = fs.StringLong("db", "receipt-ledger.db", "Ledger database file path")
		dryRun      = fs.BoolLong("dry-run", "Print the result without recording it")
		list        = fs.BoolLong("list", "Print the profile's ledger entries and exit")
		logLevel    = fs.StringLong("log-level", "info", "Log level: debug, info, warn or error")
		_           = fs.StringLong("config", "", "Config file of flag=value lines")
		showVersion = fs.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("RECEIPT_LEDGER"),
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ff.PlainParser),
		ff.WithConfigAllowMissingFile(),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitSetup
	}

	// Check version flag after parsing
	if *showVersion {
		fmt.Println(version)
		return exitOK
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		fmt.Fprintf(os.Stderr, "error: invalid log level %q\n", *logLevel)
		return exitSetup
	}
	// Logs go to stderr so stdout stays JSON
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	profile := expense.ProfileContext{
		ProfileID:       *profileID,
		Jurisdiction:    strings.ToUpper(*country),
		DefaultCurrency: strings.ToUpper(*currency),
		TaxYear:         *taxYear,
		ProfileType:     expense.ProfileType(strings.ToUpper(*profileType)),
	}
	if profile.ProfileType != expense.ProfileBusiness && profile.ProfileType != expense.ProfilePersonal {
		slog.Error("Invalid profile type", "type", *profileType, "valid", "BUSINESS or PERSONAL")
		return exitSetup
	}

	// Initialize ledger
	var ledgerService *ledger.Service
	if !*dryRun || *list {
		db, err := ledger.NewBoltDB(*dbPath)
		if err != nil {
			slog.Error("Failed to open ledger", "path", *dbPath, "error", err)
			return exitSetup
		}
		defer db.Close()
		ledgerService = ledger.NewService(db)

		profile, err = ledgerService.Profile(profile)
		if err != nil {
			slog.Warn("Continuing without category history", "error", err)
		}
	}

	if *list {
		entries, err := ledgerService.List(profile.ProfileID)
		if err != nil {
			slog.Error("Failed to list entries", "error", err)
			return exitSetup
		}
		return printJSON(entries)
	}

	in, err := rawInput(*imagePath, *mimeType, *text)
	if err != nil {
		slog.Error("Invalid input", "error", err)
		return exitSetup
	}

	overrides, err := userOverrides(*merchant, *amount, *curOverride, *date, *category, *coords)
	if err != nil {
		slog.Error("Invalid override", "error", err)
		return exitSetup
	}
	overrides.ManualText = *manualText

	cfg := defaults
	cfg.MaxConcurrentCalls = *maxCalls
	cfg.CallsPerMinute = *perMinute

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deadline := cfg.Budget()
	if *timeout != "" {
		if deadline, err = time.ParseDuration(*timeout); err != nil {
			slog.Error("Invalid timeout", "timeout", *timeout, "error", err)
			return exitSetup
		}
	}
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	generator, err := newGenerator(ctx, *scannerType, *geminiKey, *geminiModel, *ollamaURL, *ollamaModel, *maxTokens)
	if err != nil {
		slog.Error("Failed to initialize structured extraction", "scanner", *scannerType, "error", err)
		return exitSetup
	}
	if generator != nil {
		defer generator.Close()
	}

	svc := pipeline.Services{
		OCR:       tesseract.New(strings.Split(*ocrLangs, ",")...),
		Generator: generator,
	}
	if *geocoderURL != "" {
		svc.Geocoder = location.NewNominatim(*geocoderURL, "receipt-ledger/"+version)
	}

	rules, err := tax.DefaultTable()
	if err != nil {
		slog.Error("Failed to load tax rules", "error", err)
		return exitSetup
	}

	p := pipeline.NewFromServices(svc, rules, cfg, logger)
	result := p.Run(ctx, in, profile, overrides)

	switch r := result.(type) {
	case expense.Success:
		out := output{Status: "success", Draft: r.Draft}
		if !*dryRun {
			entry, err := ledgerService.Record(profile.ProfileID, r)
			if err != nil {
				slog.Error("Failed to record expense", "error", err)
				return exitSetup
			}
			out.EntryID = entry.ID
		}
		return printJSON(out)
	case expense.Failure:
		out := output{Status: "failure", Kind: r.Kind, Draft: r.Partial}
		if r.Err != nil {
			out.Error = r.Err.Error()
		}
		if code := printJSON(out); code != exitOK {
			return code
		}
		return exitFailure
	default:
		slog.Error("Unexpected pipeline result", "type", fmt.Sprintf("%T", result))
		return exitSetup
	}
}

func rawInput(imagePath, mimeType, text string) (expense.RawInput, error) {
	switch {
	case imagePath != "" && text != "":
		return nil, errors.New("use either --image or --text, not both")
	case imagePath != "":
		data, err := os.ReadFile(imagePath)
		if err != nil {
			return nil, fmt.Errorf("reading image: %w", err)
		}
		if mimeType == "" {
			mimeType = mime.TypeByExtension(strings.ToLower(filepath.Ext(imagePath)))
		}
		return expense.Image{Bytes: data, DeclaredMIME: mimeType}, nil
	case text != "":
		return expense.ManualText{Text: text}, nil
	default:
		return nil, errors.New("one of --image or --text is required")
	}
}

func userOverrides(merchant, amount, currency, date, category, coords string) (expense.UserOverrides, error) {
	o := expense.UserOverrides{
		Merchant: strings.TrimSpace(merchant),
		Currency: strings.TrimSpace(currency),
		Category: expense.Category(strings.ToUpper(strings.TrimSpace(category))),
	}
	if amount != "" {
		d, err := decimal.NewFromString(amount)
		if err != nil {
			return o, fmt.Errorf("amount %q: %w", amount, err)
		}
		o.Amount = decimal.NewNullDecimal(d)
	}
	if date != "" {
		t, err := time.Parse(time.DateOnly, date)
		if err != nil {
			return o, fmt.Errorf("date %q: %w", date, err)
		}
		o.Date = &t
	}
	if coords != "" {
		lat, lon, ok := strings.Cut(coords, ",")
		if !ok {
			return o, fmt.Errorf("coordinates %q: want lat,lon", coords)
		}
		var c expense.Coordinates
		var err error
		if c.Latitude, err = strconv.ParseFloat(strings.TrimSpace(lat), 64); err != nil {
			return o, fmt.Errorf("latitude: %w", err)
		}
		if c.Longitude, err = strconv.ParseFloat(strings.TrimSpace(lon), 64); err != nil {
			return o, fmt.Errorf("longitude: %w", err)
		}
		if !c.Valid() {
			return o, fmt.Errorf("coordinates %q are out of range", coords)
		}
		o.Coordinates = &c
	}
	return o, nil
}

func newGenerator(ctx context.Context, scannerType, geminiKey, geminiModel, ollamaURL, ollamaModel string, maxTokens int) (scanning.TextGenerationService, error) {
	switch scannerType {
	case "gemini":
		// Get Gemini API key from flag or environment
		apiKey := geminiKey
		if apiKey == "" {
			apiKey = os.Getenv("GEMINI_API_KEY")
		}
		if apiKey == "" {
			return nil, errors.New("gemini api key is required: set --gemini-key or GEMINI_API_KEY")
		}
		slog.Info("Initializing Gemini...", "model", geminiModel)
		return scanning.NewGemini(ctx, apiKey, geminiModel, int32(maxTokens))
	case "ollama":
		slog.Info("Initializing Ollama...", "url", ollamaURL, "model", ollamaModel)
		return scanning.NewOllama(ollamaURL, ollamaModel, maxTokens)
	case "none":
		slog.Info("Structured extraction disabled, drafts will need manual completion")
		return nil, nil
	default:
		return nil, fmt.Errorf("invalid scanner type %q: want gemini, ollama or none", scannerType)
	}
}

func printJSON(v any) int {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		slog.Error("Failed to write output", "error", err)
		return exitSetup
	}
	return exitOK
}
