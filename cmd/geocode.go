package main

import (
	"encoding/csv"
	"encoding/json"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/facility-locator/internal/engine"
	"github.com/sells-group/facility-locator/internal/observability"
)

var (
	geocodeCSV     string
	geocodeCountry string
	geocodeOutput  string
)

var geocodeCmd = &cobra.Command{
	Use:   "geocode [name...]",
	Short: "Geocode facility names as one batch and wait for it to finish",
	Long: `Runs a batch through every enabled provider and prints the batch progress.

Names come from the arguments or from a CSV file with columns name[,country].

Examples:
  facility-locator geocode --country ZW "Parirenyatwa Hospital" "Mpilo Central Hospital"
  facility-locator geocode --csv facilities.csv --output results.json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		inputs, err := collectInputs(args, geocodeCSV, geocodeCountry)
		if err != nil {
			return err
		}
		if len(inputs) == 0 {
			return eris.New("nothing to geocode: pass names or --csv")
		}

		env, err := initApp(ctx, cfg, observability.NewMetrics())
		if err != nil {
			return err
		}
		defer env.Close(cmd.Context())

		zap.L().Info("geocoding batch", zap.Int("queries", len(inputs)))

		progress, err := env.Engine.RunBatch(ctx, inputs)
		if err != nil {
			return eris.Wrap(err, "run batch")
		}

		if geocodeOutput != "" {
			records, err := env.Engine.BatchResults(cmd.Context(), progress.BatchID)
			if err != nil {
				return eris.Wrap(err, "load batch results")
			}
			if err := writeJSONFile(geocodeOutput, records); err != nil {
				return err
			}
			zap.L().Info("results written", zap.String("path", geocodeOutput), zap.Int("records", len(records)))
		}

		return printJSON(cmd.OutOrStdout(), progress)
	},
}

func init() {
	geocodeCmd.Flags().StringVar(&geocodeCSV, "csv", "", "CSV file with name[,country] rows")
	geocodeCmd.Flags().StringVar(&geocodeCountry, "country", "", "ISO country code applied to rows without one")
	geocodeCmd.Flags().StringVar(&geocodeOutput, "output", "", "write full results as JSON to this path")
	rootCmd.AddCommand(geocodeCmd)
}

// collectInputs merges positional names with rows from csvPath. The
// default country fills rows that do not name one.
func collectInputs(names []string, csvPath, country string) ([]engine.QueryInput, error) {
	var inputs []engine.QueryInput
	for _, n := range names {
		inputs = append(inputs, engine.QueryInput{Name: n, Country: country})
	}

	if csvPath == "" {
		return inputs, nil
	}

	f, err := os.Open(csvPath)
	if err != nil {
		return nil, eris.Wrap(err, "open csv")
	}
	defer f.Close() //nolint:errcheck

	rows, err := readQueryCSV(f, country)
	if err != nil {
		return nil, eris.Wrapf(err, "read %s", csvPath)
	}
	return append(inputs, rows...), nil
}

// readQueryCSV parses name[,country] rows. A header row starting with
// "name" is skipped and blank names are ignored.
func readQueryCSV(r io.Reader, country string) ([]engine.QueryInput, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	var out []engine.QueryInput
	for line := 0; ; line++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, eris.Wrap(err, "parse csv")
		}
		if len(rec) == 0 {
			continue
		}
		name := strings.TrimSpace(rec[0])
		if line == 0 && strings.EqualFold(name, "name") {
			continue
		}
		if name == "" {
			continue
		}
		in := engine.QueryInput{Name: name, Country: country}
		if len(rec) > 1 && strings.TrimSpace(rec[1]) != "" {
			in.Country = strings.TrimSpace(rec[1])
		}
		out = append(out, in)
	}
	return out, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeJSONFile(path string, v any) error {
	f, err := os.Create(path)
	if err != nil {
		return eris.Wrap(err, "create output file")
	}
	if err := printJSON(f, v); err != nil {
		_ = f.Close()
		return eris.Wrap(err, "write output file")
	}
	return f.Close()
}
