package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/pagecraft/abtest/internal/config"
	"github.com/pagecraft/abtest/internal/engine"
	"github.com/pagecraft/abtest/internal/store"
)

// testFile is the YAML (or JSON) form of a test definition accepted by
// create --file.
type testFile struct {
	ID             string             `yaml:"id"`
	Name           string             `yaml:"name"`
	Description    string             `yaml:"description"`
	PageID         string             `yaml:"page_id"`
	ConversionGoal string             `yaml:"conversion_goal"`
	EndDate        *time.Time         `yaml:"end_date"`
	Variants       []variantFile      `yaml:"variants"`
	TrafficSplit   map[string]float64 `yaml:"traffic_split"`
}

type variantFile struct {
	ID                string  `yaml:"id"`
	Name              string  `yaml:"name"`
	TrafficPercentage float64 `yaml:"traffic_percentage"`
	IsControl         bool    `yaml:"is_control"`
	Components        any     `yaml:"components"`
}

func (f *testFile) toTest() (*store.Test, error) {
	test := &store.Test{
		ID:             f.ID,
		Name:           f.Name,
		Description:    f.Description,
		PageID:         f.PageID,
		ConversionGoal: f.ConversionGoal,
		EndDate:        f.EndDate,
		TrafficSplit:   f.TrafficSplit,
	}
	for _, v := range f.Variants {
		variant := store.Variant{
			ID:                v.ID,
			Name:              v.Name,
			TrafficPercentage: v.TrafficPercentage,
			IsControl:         v.IsControl,
		}
		if v.Components != nil {
			raw, err := json.Marshal(v.Components)
			if err != nil {
				return nil, fmt.Errorf("variant %s: invalid components: %w", v.ID, err)
			}
			variant.Components = raw
		}
		test.Variants = append(test.Variants, variant)
	}
	return test, nil
}

func newCreateCmd(opts *globalOptions) *cobra.Command {
	var (
		file     string
		name     string
		pageID   string
		goal     string
		variants string
		split    string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new A/B test",
		Long: `Create a new A/B test in draft status.

The first variant listed is the control. Without --split traffic is
divided evenly.

Examples:
  abtest create --name "Hero headline" --page home --variants "control,v1"
  abtest create --name "Pricing" --variants "control,v1,v2" --split "50,25,25"
  abtest create -f hero-test.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var def *store.Test
			var err error
			if file != "" {
				def, err = readTestFile(file)
			} else {
				def, err = testFromFlags(name, pageID, goal, variants, split)
			}
			if err != nil {
				return err
			}

			return withService(cmd.Context(), opts, func(svc *engine.Service, _ *config.Config) error {
				test, err := svc.CreateTest(cmd.Context(), def)
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Created test '%s' (%s) with %d variants:\n", test.Name, test.ID, len(test.Variants))
				for _, v := range test.Variants {
					marker := ""
					if v.IsControl {
						marker = " (control)"
					}
					fmt.Fprintf(out, "  %s: %s%%%s\n", v.ID, strconv.FormatFloat(v.TrafficPercentage, 'f', -1, 64), marker)
				}
				fmt.Fprintf(out, "\nStart it with: abtest start %s\n", test.ID)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "YAML or JSON test definition")
	cmd.Flags().StringVarP(&name, "name", "n", "", "test name")
	cmd.Flags().StringVar(&pageID, "page", "", "page the test runs on")
	cmd.Flags().StringVar(&goal, "goal", "", "conversion goal label")
	cmd.Flags().StringVarP(&variants, "variants", "v", "", "comma-separated variant ids, control first")
	cmd.Flags().StringVar(&split, "split", "", "comma-separated traffic percentages matching --variants")
	cmd.MarkFlagsMutuallyExclusive("file", "variants")

	return cmd
}

func readTestFile(path string) (*store.Test, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read test file: %w", err)
	}
	var f testFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse test file: %w", err)
	}
	return f.toTest()
}

func testFromFlags(name, pageID, goal, variants, split string) (*store.Test, error) {
	ids := splitList(variants)
	if len(ids) < 2 {
		return nil, fmt.Errorf("need at least 2 variants. Example: --variants \"control,v1\"")
	}

	shares := make([]float64, len(ids))
	if split == "" {
		for i := range shares {
			shares[i] = 100 / float64(len(ids))
		}
	} else {
		parts := splitList(split)
		if len(parts) != len(ids) {
			return nil, fmt.Errorf("--split has %d values for %d variants", len(parts), len(ids))
		}
		for i, p := range parts {
			f, err := strconv.ParseFloat(p, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid split value %q: %w", p, err)
			}
			shares[i] = f
		}
	}

	test := &store.Test{
		Name:           name,
		PageID:         pageID,
		ConversionGoal: goal,
		TrafficSplit:   make(map[string]float64, len(ids)),
	}
	for i, id := range ids {
		test.Variants = append(test.Variants, store.Variant{
			ID:                id,
			Name:              id,
			TrafficPercentage: shares[i],
			IsControl:         i == 0,
		})
		test.TrafficSplit[id] = shares[i]
	}
	return test, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
