// Command docqa indexes documents into a collection and answers questions
// about them, either once with -question or interactively in a terminal UI.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"docqa/internal/app"
	"docqa/internal/config"
	"docqa/internal/indexer"
	"docqa/internal/llm"
	"docqa/internal/rag"
	"docqa/internal/tui"

	tea "github.com/charmbracelet/bubbletea"
	log "github.com/sirupsen/logrus"
)

// pipelineAsker answers TUI questions from one collection.
type pipelineAsker struct {
	pipeline *rag.Pipeline
	idx      *indexer.Index
	model    string
}

func (a pipelineAsker) Ask(ctx context.Context, q string) (*llm.Answer, error) {
	return a.pipeline.Run(ctx, q, a.model, a.idx)
}

func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	model := flag.String("model", "", "chat model (defaults to the configured or first available model)")
	listModels := flag.Bool("models", false, "list available models and exit")
	question := flag.String("question", "", "answer one question and exit")
	collection := flag.String("collection", "", "collection name (defaults to retrieval.collection)")
	deleteDB := flag.Bool("delete", false, "delete the collection and exit")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: docqa [flags] [file.pdf file.docx ...]\n\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.SetupLogging(); err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	if *model != "" {
		cfg.LLM.Model = *model
	}
	name := *collection
	if name == "" {
		name = cfg.Retrieval.Collection
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to init pipeline: %v", err)
	}
	defer a.Close()
	p := a.Pipeline

	if *listModels {
		models, err := p.LLM().ListModels(ctx)
		if err != nil {
			log.Fatal(err)
		}
		for _, m := range models {
			fmt.Println(m)
		}
		return
	}

	if *deleteDB {
		idx, err := p.OpenVectorDB(ctx, name)
		if errors.Is(err, rag.ErrNoVectorDB) {
			fmt.Println("No vector database found to delete.")
			return
		}
		if err != nil {
			log.Fatal(err)
		}
		if err := p.DeleteVectorDB(ctx, idx); err != nil {
			log.Fatalf("Failed to delete collection: %v", err)
		}
		fmt.Printf("Collection %q deleted.\n", name)
		return
	}

	if err := a.ResolveModel(ctx, cfg); err != nil {
		log.Fatalf("No chat model available: %v", err)
	}

	idx, err := openOrCreate(ctx, p, name, flag.Args())
	if err != nil {
		log.Fatal(err)
	}
	defer idx.Close()

	if *question != "" {
		ans, err := p.Run(ctx, *question, cfg.LLM.Model, idx)
		if err != nil {
			log.Fatalf("Error processing question: %v", err)
		}
		fmt.Println(ans.Answer)
		for _, src := range ans.Sources {
			fmt.Printf("  - %s p.%d\n", src.Document, src.Page)
		}
		return
	}

	// Log lines would tear the alt screen.
	logFile, err := os.OpenFile(filepath.Join(cfg.DataDir, "docqa.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err == nil {
		log.SetOutput(logFile)
		defer logFile.Close()
	}
	m := tui.New(pipelineAsker{pipeline: p, idx: idx, model: cfg.LLM.Model}, fmt.Sprintf("docqa · %s · %s", name, cfg.LLM.Model))
	if _, err := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx)).Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		log.Fatal(err)
	}
}

// openOrCreate reuses an existing collection or builds one from files.
func openOrCreate(ctx context.Context, p *rag.Pipeline, name string, files []string) (*indexer.Index, error) {
	exists, err := p.Exists(ctx, name)
	if err != nil {
		return nil, err
	}
	if exists {
		if len(files) > 0 {
			fmt.Printf("Collection %q already exists; ignoring files. Use -delete to rebuild it.\n", name)
		}
		return p.OpenVectorDB(ctx, name)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no collection %q yet: pass the documents to index", name)
	}

	start := time.Now()
	pages, err := p.LoadFiles(files)
	if err != nil {
		return nil, err
	}
	fmt.Printf("Extracted %d pages from %d files\n", len(pages), len(files))
	idx, err := p.CreateVectorDB(ctx, name, pages, func(total, done int) {
		fmt.Printf("\rEmbedding chunks %d/%d", done, total)
	})
	fmt.Println()
	if err != nil {
		return nil, err
	}
	fmt.Printf("Finished ingestion in %v.\n", time.Since(start).Round(time.Millisecond))
	return idx, nil
}
