// Command normalizecli reads query service responses from stdin, one JSON
// document per line, and prints the records the proxy would emit for them.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/yurastanchuk/AppInsightsProxyV2/lib/normalize"
	"github.com/yurastanchuk/AppInsightsProxyV2/lib/queryclient"
)

func mainCore(reader io.Reader, stdout, stderr io.Writer, normalizer normalize.Normalizer) error {
	scanner := bufio.NewScanner(reader)

	const (
		maxLineLen = 64 * 1024 * 1024
	)

	// Whole responses can be large
	buf := make([]byte, 1024*1024)
	scanner.Buffer(buf, maxLineLen)

	out := bufio.NewWriter(stdout)

	lineno := 0
	for scanner.Scan() {
		lineno++

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		page, err := queryclient.DecodePage(line)
		if err != nil {
			return fmt.Errorf("line %d: %w", lineno, err)
		}

		records, err := normalizer.NormalizePage(page)
		if err != nil {
			return fmt.Errorf("line %d: %w", lineno, err)
		}

		for _, record := range records {
			data, err := record.MarshalJSON()
			if err != nil {
				return err
			}
			if _, err := out.Write(data); err != nil {
				return err
			}
			if err := out.WriteByte('\n'); err != nil {
				return err
			}
		}

		if len(records) > 0 {
			if ts, err := normalizer.RecordTimestamp(records[len(records)-1]); err == nil {
				fmt.Fprintf(stderr, "line %d: %d records, last timestamp %s\n", lineno, len(records), normalize.FormatCanonicalTimestamp(ts))
			} else {
				fmt.Fprintf(stderr, "line %d: %d records, no usable cursor: %v\n", lineno, len(records), err)
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return err
	}
	return out.Flush()
}

func main() {
	column := flag.String("timestamp-column", normalize.DefaultTimestampColumn, "Column holding the row timestamp")
	flag.Parse()

	if err := mainCore(os.Stdin, os.Stdout, os.Stderr, normalize.Normalizer{TimestampColumn: *column}); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
