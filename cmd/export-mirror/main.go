package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"

	"mangasync/internal/storage"
	"mangasync/pkg/database"
	"mangasync/pkg/logging"
	"mangasync/pkg/utils"
)

// MirrorChapter is one entry of the mirror data file.
type MirrorChapter struct {
	Number string `json:"number"`
	Title  string `json:"title,omitempty"`
	URL    string `json:"url,omitempty"`
}

// Exports stored chapters into the mirror-server data file so a local
// mirror can replay a real source's timeline.
func main() {
	_ = godotenv.Load()
	var (
		configPath = flag.String("config", os.Getenv("MANGAHUB_CONFIG"), "path to config file")
		outPath    = flag.String("out", "data/mirror.json", "output JSON path")
		source     = flag.String("source", "mangadex", "export series-sources of this source")
		limit      = flag.Int("limit", 200, "how many series-sources to export")
		chapters   = flag.Int("chapters", 100, "newest chapters per series")
	)
	flag.Parse()

	cfg := utils.MustLoadConfig(*configPath)
	log := logging.New(cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	pool := database.MustOpen(ctx, database.Config{URL: cfg.Database.URL, MaxConns: 2})
	defer pool.Close()

	store := storage.NewStore(pool, log)
	repo := storage.NewSeriesRepo(pool)

	sources, err := repo.ListSeriesSources(ctx, storage.ListQuery{Source: *source, Limit: *limit})
	if err != nil {
		log.Fatal().Err(err).Msg("list series sources")
	}

	out := make(map[string][]MirrorChapter, len(sources))
	total := 0
	for _, ss := range sources {
		chs, err := store.ListChapters(ctx, ss.SeriesID, *chapters)
		if err != nil {
			log.Fatal().Err(err).Str("series_id", ss.SeriesID).Msg("list chapters")
		}
		items := make([]MirrorChapter, 0, len(chs))
		for _, ch := range chs {
			items = append(items, MirrorChapter{Number: ch.Number.String(), Title: ch.Title})
		}
		out[ss.SourceSeriesID] = items
		total += len(items)
	}

	if err := os.MkdirAll(filepath.Dir(*outPath), 0o755); err != nil {
		log.Fatal().Err(err).Msg("mkdir failed")
	}
	b, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		log.Fatal().Err(err).Msg("marshal failed")
	}
	if err := os.WriteFile(*outPath, b, 0o644); err != nil {
		log.Fatal().Err(err).Msg("write failed")
	}

	log.Info().Int("series", len(out)).Int("chapters", total).Str("out", *outPath).Msg("✅ exported mirror data")
}
