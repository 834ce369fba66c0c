// kvdoc - inspect and maintain a kvdoc store from the command line.
//
// Connection settings come from KVDOC_* environment variables.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/adrianmcphee/kvdoc"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

// run executes one command and returns the process exit code. Deferred
// cleanup (log flush, session close) runs before main exits.
func run(argv []string) int {
	if len(argv) < 1 {
		printHelp()
		return 2
	}

	cmd, args := argv[0], argv[1:]
	switch cmd {
	case "help", "--help", "-h":
		printHelp()
		return 0
	case "ping", "get", "count", "find", "flush":
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		printHelp()
		return 2
	}

	log.SetFlags(log.Ltime | log.Lshortfile)

	cfg := kvdoc.ConfigFromEnv()
	logger, err := kvdoc.NewZapLoggerWithLevel(cfg.LogLevel)
	if err != nil {
		log.Printf("Failed to create logger: %v", err)
		return 1
	}
	defer logger.Sync()

	driver, err := kvdoc.Open(cfg, logger, nil)
	if err != nil {
		log.Printf("Failed to open store: %v", err)
		return 1
	}
	defer driver.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	switch cmd {
	case "ping":
		err = runPing(ctx, driver)
	case "get":
		err = runGet(ctx, driver, args)
	case "count":
		err = runCount(ctx, driver, args)
	case "find":
		err = runFind(ctx, driver, args)
	case "flush":
		err = runFlush(ctx, driver, args)
	}
	if err != nil {
		log.Printf("%s: %v", cmd, err)
		return 1
	}
	return 0
}

func printHelp() {
	fmt.Println(`kvdoc - document store over a key-value backend

Usage:
  kvdoc ping                         Check the backend is reachable
  kvdoc get [flags]                  Print a raw document
  kvdoc count [flags]                Count ids issued for a schema
  kvdoc find [flags]                 Find documents by an indexed field
  kvdoc flush [flags]                Delete every entity of a schema

Get flags:
  --key string     Document key

Schema flags (count, find, flush):
  --schema string  Schema name
  --index string   Comma separated indexed fields
  --unique string  Comma separated unique fields
  --auto           Schema ids come from the schema counter (default true)

Find flags:
  --field string   Field to look up
  --value string   Value to look up
  --offset int     Skip this many matches
  --limit int      Return at most this many matches (0 for all)

Environment:
  KVDOC_BACKEND, KVDOC_ADDR, KVDOC_BUCKET, KVDOC_BOLT_PATH, KVDOC_CODEC,
  KVDOC_MAX_ATTEMPTS, KVDOC_MAX_IDLE_TIME, KVDOC_LOG_LEVEL`)
}

func runPing(ctx context.Context, d *kvdoc.Driver) error {
	start := time.Now()
	if err := d.Client().Ping(ctx); err != nil {
		return err
	}
	fmt.Printf("ok (%s)\n", time.Since(start).Round(time.Microsecond))
	return nil
}

func runGet(ctx context.Context, d *kvdoc.Driver, args []string) error {
	fs := flag.NewFlagSet("get", flag.ExitOnError)
	key := fs.String("key", "", "Document key")
	fs.Parse(args)

	if *key == "" {
		return fmt.Errorf("--key is required")
	}
	item, found, err := d.Client().Get(ctx, *key)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%s: %w", *key, kvdoc.ErrNotFound)
	}

	var doc kvdoc.Document
	if err := d.Codec().Unmarshal(item.Value, &doc); err != nil {
		// Counters and other raw values are printed as stored.
		fmt.Printf("%s\n", item.Value)
		return nil
	}
	return printJSON(doc)
}

// schemaFlags registers the flags that describe a schema on fs.
type schemaFlags struct {
	name   *string
	index  *string
	unique *string
	auto   *bool
}

func addSchemaFlags(fs *flag.FlagSet) schemaFlags {
	return schemaFlags{
		name:   fs.String("schema", "", "Schema name"),
		index:  fs.String("index", "", "Comma separated indexed fields"),
		unique: fs.String("unique", "", "Comma separated unique fields"),
		auto:   fs.Bool("auto", true, "Schema ids come from the schema counter"),
	}
}

func (f schemaFlags) register(d *kvdoc.Driver) (string, error) {
	s := kvdoc.Schema{
		Name:          *f.name,
		AutoIncrement: *f.auto,
		IndexedFields: splitList(*f.index),
		UniqueFields:  splitList(*f.unique),
	}
	if err := d.Register(s); err != nil {
		return "", err
	}
	return s.Name, nil
}

func runCount(ctx context.Context, d *kvdoc.Driver, args []string) error {
	fs := flag.NewFlagSet("count", flag.ExitOnError)
	sf := addSchemaFlags(fs)
	fs.Parse(args)

	schema, err := sf.register(d)
	if err != nil {
		return err
	}
	n, err := d.Count(ctx, schema)
	if err != nil {
		return err
	}
	fmt.Println(n)
	return nil
}

func runFind(ctx context.Context, d *kvdoc.Driver, args []string) error {
	fs := flag.NewFlagSet("find", flag.ExitOnError)
	sf := addSchemaFlags(fs)
	field := fs.String("field", kvdoc.IDField, "Field to look up")
	value := fs.String("value", "", "Value to look up")
	offset := fs.Int("offset", 0, "Skip this many matches")
	limit := fs.Int("limit", 0, "Return at most this many matches (0 for all)")
	fs.Parse(args)

	schema, err := sf.register(d)
	if err != nil {
		return err
	}

	s, _ := d.Schema(schema)
	if *field == kvdoc.IDField || contains(s.UniqueFields, *field) {
		doc, err := d.Find(ctx, schema, *value, *field)
		if err != nil {
			return err
		}
		return printJSON(doc)
	}

	docs, err := d.FindBy(ctx, schema, *field, *value, *offset, *limit)
	if err != nil {
		return err
	}
	return printJSON(docs)
}

func runFlush(ctx context.Context, d *kvdoc.Driver, args []string) error {
	fs := flag.NewFlagSet("flush", flag.ExitOnError)
	sf := addSchemaFlags(fs)
	fs.Parse(args)

	schema, err := sf.register(d)
	if err != nil {
		return err
	}
	n, err := d.Flush(ctx, schema)
	if err != nil {
		return err
	}
	fmt.Printf("deleted %d %s\n", n, schema)
	return nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
