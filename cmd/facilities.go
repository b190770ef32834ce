package main

import (
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/facility-locator/internal/model"
	"github.com/sells-group/facility-locator/internal/textsim"
)

var facilitiesCmd = &cobra.Command{
	Use:   "facilities",
	Short: "Manage the reference facility gazetteer",
}

var facilitiesImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Load facilities from CSV (name,country,district,type,lat,lng) or YAML",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		facs, err := loadFacilities(args[0])
		if err != nil {
			return err
		}
		if len(facs) == 0 {
			zap.L().Warn("no facilities found", zap.String("file", args[0]))
			return nil
		}

		st, err := initStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		n, err := st.UpsertFacilities(ctx, facs)
		if err != nil {
			return eris.Wrap(err, "upsert facilities")
		}

		zap.L().Info("import complete",
			zap.String("file", args[0]),
			zap.Int("parsed", len(facs)),
			zap.Int64("upserted", n),
		)
		return nil
	},
}

func init() {
	facilitiesCmd.AddCommand(facilitiesImportCmd)
	rootCmd.AddCommand(facilitiesCmd)
}

// loadFacilities picks the parser from the file extension.
func loadFacilities(path string) ([]model.Facility, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrap(err, "open facilities file")
	}
	defer f.Close() //nolint:errcheck

	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return parseFacilitiesCSV(f)
	case ".yaml", ".yml":
		return parseFacilitiesYAML(f)
	default:
		return nil, eris.Errorf("unsupported facilities file %s: want .csv, .yaml or .yml", path)
	}
}

var facilityHeader = []string{"name", "country", "district", "type", "lat", "lng"}

// parseFacilitiesCSV reads name,country,district,type,lat,lng rows. The
// header row is optional.
func parseFacilitiesCSV(r io.Reader) ([]model.Facility, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = len(facilityHeader)
	cr.TrimLeadingSpace = true

	var out []model.Facility
	for line := 1; ; line++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, eris.Wrap(err, "parse facilities csv")
		}
		if line == 1 && strings.EqualFold(strings.TrimSpace(rec[0]), "name") {
			continue
		}

		lat, err := strconv.ParseFloat(strings.TrimSpace(rec[4]), 64)
		if err != nil {
			return nil, eris.Wrapf(err, "line %d: lat", line)
		}
		lng, err := strconv.ParseFloat(strings.TrimSpace(rec[5]), 64)
		if err != nil {
			return nil, eris.Wrapf(err, "line %d: lng", line)
		}
		fac := model.Facility{
			Name:     strings.TrimSpace(rec[0]),
			Country:  facilityCountry(rec[1]),
			District: strings.TrimSpace(rec[2]),
			Type:     strings.TrimSpace(rec[3]),
			Lat:      lat,
			Lng:      lng,
		}
		if err := checkFacility(fac); err != nil {
			return nil, eris.Wrapf(err, "line %d", line)
		}
		out = append(out, fac)
	}
	return out, nil
}

type facilityFile struct {
	Facilities []model.Facility `yaml:"facilities"`
}

// parseFacilitiesYAML accepts either a bare list or a document with a
// top-level facilities key.
func parseFacilitiesYAML(r io.Reader) ([]model.Facility, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, eris.Wrap(err, "read facilities yaml")
	}

	var facs []model.Facility
	if err := yaml.Unmarshal(data, &facs); err != nil {
		var doc facilityFile
		if err2 := yaml.Unmarshal(data, &doc); err2 != nil {
			return nil, eris.Wrap(err2, "parse facilities yaml")
		}
		facs = doc.Facilities
	}

	for i := range facs {
		facs[i].Name = strings.TrimSpace(facs[i].Name)
		facs[i].Country = facilityCountry(facs[i].Country)
		if err := checkFacility(facs[i]); err != nil {
			return nil, eris.Wrapf(err, "facility %d", i+1)
		}
	}
	return facs, nil
}

// facilityCountry maps a country name or code to alpha-2, keeping
// unrecognised values as upper case.
func facilityCountry(s string) string {
	if code, ok := textsim.CountryCode(s); ok {
		return code
	}
	return strings.ToUpper(strings.TrimSpace(s))
}

func checkFacility(f model.Facility) error {
	if f.Name == "" {
		return eris.New("name is required")
	}
	c := model.Coordinate{Lat: f.Lat, Lng: f.Lng}
	if !c.Valid() {
		return eris.Errorf("coordinate %v,%v out of range", f.Lat, f.Lng)
	}
	return nil
}
