package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/andrsolo/numgate/internal/database"
	"github.com/andrsolo/numgate/pkg/phone"
)

const insertChunk = 1000

type Config struct {
	DatabaseURL string `envconfig:"DATABASE_URL"      required:"true"`
	RegionHint  string `envconfig:"PHONE_REGION_HINT" default:"RU"`
}

func usage() {
	fmt.Fprintln(os.Stderr, `Usage: numberctl <command> [flags]

Commands:
  import    load numbers from a file, one dial string per line
  generate  insert a sequential block of numbers
  shuffle   re-randomize the scan order of the whole pool
  mint-key  create a new API key`)
	os.Exit(2)
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}

	if err := godotenv.Load(); err != nil {
		log.Printf("no .env file found: %v", err)
	}
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		log.Fatalf("Failed to process config: %v", err)
	}

	ctx := context.Background()
	pool, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer pool.Close()
	store := database.NewStore(pool)

	switch os.Args[1] {
	case "import":
		runImport(ctx, store, cfg, os.Args[2:])
	case "generate":
		runGenerate(ctx, store, cfg, os.Args[2:])
	case "shuffle":
		runShuffle(ctx, store)
	case "mint-key":
		runMintKey(ctx, store, os.Args[2:])
	default:
		usage()
	}
}

func runImport(ctx context.Context, store *database.Store, cfg Config, args []string) {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	file := fs.String("file", "", "Path to the number list")
	providerID := fs.Int("provider", 0, "Owning provider id")
	countryID := fs.Int("country", 0, "Country id")
	operator := fs.String("operator", "", "Mobile operator tag (optional)")
	fs.Parse(args)
	if *file == "" || *providerID == 0 || *countryID == 0 {
		log.Fatal("import requires -file, -provider and -country")
	}

	f, err := os.Open(*file)
	if err != nil {
		log.Fatalf("Failed to open %s: %v", *file, err)
	}
	defer f.Close()

	var numbers []string
	skipped := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		norm := phone.Normalize(line, cfg.RegionHint)
		if norm == "" {
			log.Printf("skipping unparseable line: %q", line)
			skipped++
			continue
		}
		numbers = append(numbers, norm)
	}
	if err := scanner.Err(); err != nil {
		log.Fatalf("Failed to read %s: %v", *file, err)
	}

	inserted := insertAll(ctx, store, numbers, int32(*providerID), int32(*countryID), *operator)
	log.Printf("Imported %d numbers (%d skipped, %d duplicates)",
		inserted, skipped, int64(len(numbers))-inserted)
}

func runGenerate(ctx context.Context, store *database.Store, cfg Config, args []string) {
	fs := flag.NewFlagSet("generate", flag.ExitOnError)
	prefix := fs.String("prefix", "", "Dial prefix, e.g. +79220010")
	start := fs.Int("start", 0, "First suffix value")
	count := fs.Int("count", 0, "How many numbers to mint")
	width := fs.Int("width", 4, "Zero-padded suffix width")
	providerID := fs.Int("provider", 0, "Owning provider id")
	countryID := fs.Int("country", 0, "Country id")
	operator := fs.String("operator", "", "Mobile operator tag (optional)")
	fs.Parse(args)
	if *prefix == "" || *count <= 0 || *providerID == 0 || *countryID == 0 {
		log.Fatal("generate requires -prefix, -count, -provider and -country")
	}

	numbers := make([]string, 0, *count)
	for i := 0; i < *count; i++ {
		raw := fmt.Sprintf("%s%0*d", *prefix, *width, *start+i)
		norm := phone.Normalize(raw, cfg.RegionHint)
		if norm == "" {
			log.Fatalf("generated number does not parse: %q", raw)
		}
		numbers = append(numbers, norm)
	}

	inserted := insertAll(ctx, store, numbers, int32(*providerID), int32(*countryID), *operator)
	log.Printf("Generated %d numbers (%d duplicates)", inserted, int64(len(numbers))-inserted)
}

// insertAll filters out numbers already in the pool and inserts the rest
// in chunks, returning the number of new rows.
func insertAll(ctx context.Context, store *database.Store, numbers []string, providerID, countryID int32, operator string) int64 {
	var op *string
	if operator != "" {
		op = &operator
	}

	var total int64
	for off := 0; off < len(numbers); off += insertChunk {
		end := off + insertChunk
		if end > len(numbers) {
			end = len(numbers)
		}
		chunk := numbers[off:end]

		existing, err := store.ExistingNumbers(ctx, chunk)
		if err != nil {
			log.Fatalf("Failed to check existing numbers: %v", err)
		}
		batch := make([]database.NewNumber, 0, len(chunk))
		for _, n := range chunk {
			if existing[n] {
				continue
			}
			batch = append(batch, database.NewNumber{
				Number:     n,
				ProviderID: providerID,
				CountryID:  countryID,
				Operator:   op,
			})
		}
		if len(batch) == 0 {
			continue
		}
		n, err := store.InsertNumbers(ctx, batch)
		if err != nil {
			log.Fatalf("Failed to insert numbers: %v", err)
		}
		total += n
	}
	return total
}

func runShuffle(ctx context.Context, store *database.Store) {
	n, err := store.ShuffleRanks(ctx)
	if err != nil {
		log.Fatalf("Failed to shuffle ranks: %v", err)
	}
	log.Printf("Re-ranked %d numbers", n)
}

func runMintKey(ctx context.Context, store *database.Store, args []string) {
	fs := flag.NewFlagSet("mint-key", flag.ExitOnError)
	description := fs.String("description", "", "Who this key is for")
	fs.Parse(args)

	key, err := store.CreateAPIKey(ctx, uuid.NewString(), *description)
	if err != nil {
		log.Fatalf("Failed to create API key: %v", err)
	}
	fmt.Println(key.Key)
}
