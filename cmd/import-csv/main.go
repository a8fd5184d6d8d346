package main

import (
	"context"
	"encoding/csv"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"mangasync/internal/storage"
	"mangasync/pkg/database"
	"mangasync/pkg/logging"
	"mangasync/pkg/models"
	"mangasync/pkg/utils"
)

// Seeds series, series-sources and library entries from CSV files. Missing
// files are skipped.
//
//	series.csv          id,title,alt_titles          (alt titles separated by |)
//	series_sources.csv  series_id,source,source_series_id,source_url,tier,tracker_count
//	library.csv         id,user_id,title,alt_titles
func main() {
	_ = godotenv.Load()
	var (
		configPath = flag.String("config", os.Getenv("MANGAHUB_CONFIG"), "path to config file")
		seriesIn   = flag.String("series", "data/series.csv", "input CSV path for series")
		sourcesIn  = flag.String("sources", "data/series_sources.csv", "input CSV path for series-sources")
		libraryIn  = flag.String("library", "data/library.csv", "input CSV path for library entries")
	)
	flag.Parse()

	cfg := utils.MustLoadConfig(*configPath)
	log := logging.New(cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	pool := database.MustOpen(ctx, database.Config{URL: cfg.Database.URL, MaxConns: 2})
	defer pool.Close()
	if err := database.Migrate(ctx, pool); err != nil {
		log.Fatal().Err(err).Msg("db migrate failed")
	}

	series := storage.NewSeriesRepo(pool)
	library := storage.NewLibraryRepo(pool)

	steps := []struct {
		name string
		path string
		fn   func(context.Context, map[string]int, []string) error
	}{
		{"series", *seriesIn, func(ctx context.Context, h map[string]int, row []string) error {
			s := &models.Series{
				ID:        valueAt(h, row, "id"),
				Title:     valueAt(h, row, "title"),
				AltTitles: splitList(valueAt(h, row, "alt_titles")),
			}
			if s.ID == "" || s.Title == "" {
				return nil
			}
			return series.UpsertSeries(ctx, s)
		}},
		{"series_sources", *sourcesIn, func(ctx context.Context, h map[string]int, row []string) error {
			ss := &models.SeriesSource{
				SeriesID:       valueAt(h, row, "series_id"),
				SourceName:     valueAt(h, row, "source"),
				SourceSeriesID: valueAt(h, row, "source_series_id"),
				SourceURL:      valueAt(h, row, "source_url"),
				Tier:           models.ParseTier(strings.ToUpper(valueAt(h, row, "tier"))),
			}
			if ss.SeriesID == "" || ss.SourceName == "" || ss.SourceSeriesID == "" {
				return nil
			}
			if raw := valueAt(h, row, "tracker_count"); raw != "" {
				n, err := strconv.Atoi(raw)
				if err != nil {
					return fmt.Errorf("parse tracker_count for %s/%s: %w", ss.SourceName, ss.SourceSeriesID, err)
				}
				ss.TrackerCount = n
			}
			_, err := series.UpsertSeriesSource(ctx, ss)
			return err
		}},
		{"library", *libraryIn, func(ctx context.Context, h map[string]int, row []string) error {
			e := &models.LibraryEntry{
				ID:        valueAt(h, row, "id"),
				UserID:    valueAt(h, row, "user_id"),
				Title:     valueAt(h, row, "title"),
				AltTitles: splitList(valueAt(h, row, "alt_titles")),
			}
			if e.UserID == "" || e.Title == "" {
				return nil
			}
			return library.UpsertEntry(ctx, e)
		}},
	}

	for _, step := range steps {
		n, err := importFile(ctx, step.path, step.fn)
		if errors.Is(err, os.ErrNotExist) {
			log.Info().Str("file", step.path).Msg("skipped, file not found")
			continue
		}
		if err != nil {
			log.Fatal().Err(err).Str("file", step.path).Msgf("import %s failed", step.name)
		}
		log.Info().Str("file", step.path).Int("rows", n).Msgf("✅ imported %s", step.name)
	}
}

func importFile(ctx context.Context, path string, fn func(context.Context, map[string]int, []string) error) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	header, err := readHeader(r)
	if err != nil {
		return 0, err
	}

	n := 0
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return n, err
		}
		if len(row) == 0 {
			continue
		}
		if err := fn(ctx, header, row); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func readHeader(r *csv.Reader) (map[string]int, error) {
	row, err := r.Read()
	if err != nil {
		return nil, err
	}
	header := make(map[string]int, len(row))
	for idx, name := range row {
		header[strings.TrimSpace(strings.ToLower(name))] = idx
	}
	return header, nil
}

func valueAt(header map[string]int, row []string, key string) string {
	idx, ok := header[key]
	if !ok || idx >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[idx])
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(raw, "|") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
