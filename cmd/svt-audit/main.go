package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
	_ "modernc.org/sqlite"
)

// svt-audit exports the indexer's event archive to a parquet file so ledger
// activity can be inspected with columnar tooling. It reads the archive
// directly; the indexer service does not need to be running.

type eventRow struct {
	Digest     string `parquet:"name=digest, type=BYTE_ARRAY, convertedtype=UTF8"`
	Height     int64  `parquet:"name=height, type=INT64"`
	Position   int32  `parquet:"name=position, type=INT32"`
	Type       string `parquet:"name=type, type=BYTE_ARRAY, convertedtype=UTF8"`
	Attributes string `parquet:"name=attributes, type=BYTE_ARRAY, convertedtype=UTF8"`
	ArchivedAt string `parquet:"name=archived_at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

func main() {
	dbPath := flag.String("db", "svt-indexer.db", "path to the indexer event archive")
	outPath := flag.String("out", "svt-events.parquet", "path of the parquet file to write")
	eventType := flag.String("type", "", "only export events of this type (e.g. token.swap)")
	fromHeight := flag.Uint64("from", 0, "only export events at or above this block height")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	count, err := export(ctx, *dbPath, *outPath, *eventType, *fromHeight)
	if err != nil {
		fmt.Fprintf(os.Stderr, "svt-audit: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("wrote %d events to %s\n", count, *outPath)
}

func export(ctx context.Context, dbPath, outPath, eventType string, fromHeight uint64) (int, error) {
	if _, err := os.Stat(dbPath); err != nil {
		return 0, fmt.Errorf("open archive %s: %w", dbPath, err)
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return 0, fmt.Errorf("open archive: %w", err)
	}
	defer db.Close()

	query := `SELECT digest, height, position, type, attributes, archived_at FROM events WHERE height >= ?`
	args := []interface{}{fromHeight}
	if eventType != "" {
		query += ` AND type = ?`
		args = append(args, eventType)
	}
	query += ` ORDER BY height ASC, position ASC`

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	file, err := os.Create(outPath)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", outPath, err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(eventRow), 1)
	if err != nil {
		file.Close()
		return 0, fmt.Errorf("parquet schema: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	count := 0
	for rows.Next() {
		var (
			digest, typ, attributes string
			height                  int64
			position                int32
			archivedAt              time.Time
		)
		if err := rows.Scan(&digest, &height, &position, &typ, &attributes, &archivedAt); err != nil {
			pw.WriteStop()
			file.Close()
			return 0, fmt.Errorf("scan event: %w", err)
		}
		// Re-encode the attribute JSON compactly so malformed rows surface
		// here instead of in downstream tooling.
		var attrs map[string]string
		if err := json.Unmarshal([]byte(attributes), &attrs); err != nil {
			pw.WriteStop()
			file.Close()
			return 0, fmt.Errorf("event %s attributes: %w", digest, err)
		}
		compact, err := json.Marshal(attrs)
		if err != nil {
			pw.WriteStop()
			file.Close()
			return 0, fmt.Errorf("event %s attributes: %w", digest, err)
		}
		row := &eventRow{
			Digest:     digest,
			Height:     height,
			Position:   position,
			Type:       typ,
			Attributes: string(compact),
			ArchivedAt: archivedAt.UTC().Format(time.RFC3339Nano),
		}
		if err := pw.Write(row); err != nil {
			pw.WriteStop()
			file.Close()
			return 0, fmt.Errorf("parquet write: %w", err)
		}
		count++
	}
	if err := rows.Err(); err != nil {
		pw.WriteStop()
		file.Close()
		return 0, fmt.Errorf("iterate events: %w", err)
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return 0, fmt.Errorf("parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return 0, fmt.Errorf("close parquet file: %w", err)
	}
	return count, nil
}
