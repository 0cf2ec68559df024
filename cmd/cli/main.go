// Command cli exercises the encrypted retrieval pipeline from the command line.
//
// Usage:
//
//	cli demo    [-backend simulated|bfv] [-dim 32] [-bits 4] [-k 4] [-db demo.db]
//	cli keygen  [-backend simulated|bfv] [-out ./keys] [-passphrase ...]
//	cli ingest  [-addr host:port] -doc ID -file chunks.txt
//	cli query   [-addr host:port] -doc ID -q "question" [-k 4]
//
// ingest and query send $CIPHERRAG_TOKEN as a bearer token when it is set.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/opaque/cipherrag"
	"github.com/opaque/cipherrag/internal/logging"
	"github.com/opaque/cipherrag/pkg/client"
	"github.com/opaque/cipherrag/pkg/crypto"
	"github.com/opaque/cipherrag/pkg/encrypt"
	"github.com/opaque/cipherrag/pkg/grpcserver"
)

// embeddingDim is the width of the hashing embedder used when no embedding
// service is involved.
const embeddingDim = 256

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "demo":
		err = runDemo(os.Args[2:])
	case "keygen":
		err = runKeygen(os.Args[2:])
	case "ingest":
		err = runIngest(os.Args[2:])
	case "query":
		err = runQuery(os.Args[2:])
	case "-h", "-help", "--help", "help":
		usage()
		return
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "cli %s: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: cli <demo|keygen|ingest|query> [flags]")
}

func newBackend(name string) (crypto.Backend, error) {
	switch name {
	case crypto.SimulatedName:
		return crypto.NewSimulated(), nil
	case crypto.BFVName:
		return crypto.NewBFV(0)
	default:
		return nil, fmt.Errorf("unknown backend %q", name)
	}
}

var demoCorpus = []string{
	"Homomorphic encryption lets a server compute on data it cannot read.",
	"The BFV scheme performs exact arithmetic on integers modulo a plaintext modulus.",
	"Block averaging reduces a long embedding to a handful of dimensions.",
	"Quantization maps each reduced component to a small signed integer.",
	"The privacy audit records what was touched and that only scores were decrypted.",
	"Rank correlation compares the encrypted ranking with the plaintext ranking.",
	"Sourdough bread needs a starter, flour, water and patience.",
}

var demoQueries = []string{
	"which scheme computes exactly on integers?",
	"what does the audit record say was decrypted?",
	"how do I bake bread?",
}

func runDemo(args []string) error {
	fs := flag.NewFlagSet("demo", flag.ExitOnError)
	backendName := fs.String("backend", crypto.SimulatedName, "Circuit backend: simulated or bfv")
	dim := fs.Int("dim", 32, "Reduced dimension")
	bits := fs.Int("bits", 4, "Quantization bits")
	k := fs.Int("k", 4, "Chunks to retrieve per query")
	dbPath := fs.String("db", "", "SQLite database file (default: in memory)")
	verbose := fs.Bool("v", false, "Debug logging")
	fs.Parse(args)

	level := "warn"
	if *verbose {
		level = "debug"
	}
	logger, err := logging.New(level, "console")
	if err != nil {
		return err
	}
	defer logger.Sync()

	cfg := cipherrag.Config{
		ReducedDim:   *dim,
		Bits:         *bits,
		Backend:      *backendName,
		EmbeddingDim: embeddingDim,
		Logger:       logger,
	}
	if *dbPath != "" {
		// Keys are cached beside the database so a rerun can read what an
		// earlier run stored.
		cfg.Storage = cipherrag.SQLite
		cfg.StoragePath = *dbPath
		cfg.KeyDir = filepath.Join(filepath.Dir(*dbPath), "keys")
	}
	db, err := cipherrag.NewDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx := context.Background()
	start := time.Now()
	if err := db.Open(ctx); err != nil {
		return err
	}
	h, err := db.Health(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("=== cipherrag demo: %s backend, circuit %s ===\n\n", h.Backend, h.Circuit)
	fmt.Printf("Compiled in %v (key fingerprint %s)\n", time.Since(start).Round(time.Millisecond), h.KeyFingerprint)

	start = time.Now()
	if err := db.AddTexts(ctx, "demo", demoCorpus); err != nil && !errors.Is(err, cipherrag.ErrDocumentExists) {
		return err
	}
	fmt.Printf("Ingested %d encrypted chunks in %v\n\n", len(demoCorpus), time.Since(start).Round(time.Millisecond))

	for _, q := range demoQueries {
		res, err := db.Retrieve(ctx, "demo", q, *k)
		if err != nil {
			return err
		}
		fmt.Printf("Q: %s\n", q)
		for i, c := range res.Chunks {
			fmt.Printf("  %d. [%d] %.4f  %s\n", i+1, c.Index, c.Score, c.Text)
		}
		fmt.Printf("  encrypted %v, plaintext %v", res.Eval.EncryptedLatency.Round(time.Microsecond),
			res.Eval.PlaintextLatency.Round(time.Microsecond))
		if res.Eval.Overlap != nil {
			fmt.Printf(", overlap %.2f", *res.Eval.Overlap)
		}
		if res.Eval.RankCorrelation != nil {
			fmt.Printf(", spearman %.3f", *res.Eval.RankCorrelation)
		}
		fmt.Println()
		if err := printJSON("  audit: ", res.Audit); err != nil {
			return err
		}
		fmt.Println()
	}
	return nil
}

func runKeygen(args []string) error {
	fs := flag.NewFlagSet("keygen", flag.ExitOnError)
	backendName := fs.String("backend", crypto.BFVName, "Circuit backend: simulated or bfv")
	dim := fs.Int("dim", 32, "Reduced dimension")
	bits := fs.Int("bits", 4, "Quantization bits")
	out := fs.String("out", "./keys", "Output directory")
	passphrase := fs.String("passphrase", os.Getenv("CIPHERRAG_KEY_PASSPHRASE"), "Seal the secret key with this passphrase")
	fs.Parse(args)

	backend, err := newBackend(*backendName)
	if err != nil {
		return err
	}
	circuit := crypto.Circuit{ReducedDim: *dim, Bits: *bits}
	cc, err := crypto.NewContext(circuit, backend, crypto.WithLogger(zap.NewNop()))
	if err != nil {
		return err
	}
	if err := cc.Compile(context.Background()); err != nil {
		return err
	}
	keys, err := cc.GenerateKeyPair()
	if err != nil {
		return err
	}

	secret, secretName := keys.SecretKey, "secret.key"
	if *passphrase != "" {
		aad := []byte(*backendName + "|" + circuit.String())
		if secret, err = encrypt.SealWithPassphrase(*passphrase, keys.SecretKey, aad); err != nil {
			return err
		}
		secretName = "secret.key.sealed"
	} else {
		fmt.Fprintln(os.Stderr, "warning: writing an unsealed secret key; pass -passphrase to seal it")
	}

	if err := os.MkdirAll(*out, 0o700); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(*out, "public.key"), keys.PublicKey, 0o644); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(*out, secretName), secret, 0o600); err != nil {
		return err
	}
	fmt.Printf("Wrote %s key pair for %s to %s (%d byte public key)\n",
		*backendName, circuit, *out, len(keys.PublicKey))
	return nil
}

func dial(addr string) (*client.Client, error) {
	cfg := client.DefaultConfig()
	cfg.Addr = addr
	cfg.Token = os.Getenv("CIPHERRAG_TOKEN")
	return client.New(cfg)
}

func runIngest(args []string) error {
	fs := flag.NewFlagSet("ingest", flag.ExitOnError)
	addr := fs.String("addr", "localhost:50051", "Retrieval service address")
	doc := fs.String("doc", "", "Document ID")
	file := fs.String("file", "", "Text file, one chunk per non-empty line")
	fs.Parse(args)
	if *doc == "" || *file == "" {
		return fmt.Errorf("-doc and -file are required")
	}

	f, err := os.Open(*file)
	if err != nil {
		return err
	}
	defer f.Close()

	var chunks []grpcserver.ChunkMessage
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			chunks = append(chunks, grpcserver.ChunkMessage{Text: line})
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}

	c, err := dial(*addr)
	if err != nil {
		return err
	}
	defer c.Close()

	resp, err := c.Ingest(context.Background(), *doc, chunks)
	if err != nil {
		return err
	}
	fmt.Printf("Ingested %d chunks into %s in %dms\n", resp.Chunks, resp.DocumentID, resp.ElapsedMS)
	return nil
}

func runQuery(args []string) error {
	fs := flag.NewFlagSet("query", flag.ExitOnError)
	addr := fs.String("addr", "localhost:50051", "Retrieval service address")
	doc := fs.String("doc", "", "Document ID")
	question := fs.String("q", "", "Question")
	k := fs.Int("k", 0, "Chunks to retrieve (0 = server default)")
	fs.Parse(args)
	if *doc == "" || *question == "" {
		return fmt.Errorf("-doc and -q are required")
	}

	c, err := dial(*addr)
	if err != nil {
		return err
	}
	defer c.Close()

	resp, err := c.Retrieve(context.Background(), &grpcserver.RetrieveRequest{
		DocumentID: *doc,
		Question:   *question,
		K:          *k,
	})
	if err != nil {
		return err
	}
	for i, ch := range resp.Chunks {
		fmt.Printf("%d. [%d] %.4f  %s\n", i+1, ch.Index, ch.Score, ch.Text)
	}
	if err := printJSON("eval: ", resp.Eval); err != nil {
		return err
	}
	return printJSON("audit: ", resp.Audit)
}

func printJSON(prefix string, v any) error {
	data, err := json.MarshalIndent(v, strings.Repeat(" ", len(prefix)), "  ")
	if err != nil {
		return err
	}
	fmt.Printf("%s%s\n", prefix, data)
	return nil
}
