package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/evosense/locationd/internal/location"
)

// ErrLocationNotFound indicates the node holds nothing for the location id.
var ErrLocationNotFound = errors.New("location not found")

func getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <location_id>",
		Short: "Read the enriched stats record for a location",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet,
				baseURL()+"/"+url.PathEscape(args[0]), nil)
			if err != nil {
				return fmt.Errorf("build request: %w", err)
			}

			resp, err := httpClient.Do(req)
			if err != nil {
				return fmt.Errorf("get %s: %w", args[0], err)
			}
			defer resp.Body.Close()

			switch resp.StatusCode {
			case http.StatusOK:
			case http.StatusNotFound:
				return fmt.Errorf("%s: %w", args[0], ErrLocationNotFound)
			default:
				return fmt.Errorf("get %s: unexpected status %s", args[0], resp.Status)
			}

			var rec location.EnrichedLocationStats
			if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}

			return printRecord(args[0], rec)
		},
	}
}

// printRecord renders a record in the selected output format.
func printRecord(locationID string, rec location.EnrichedLocationStats) error {
	if outputFormat == "json" {
		out, err := json.MarshalIndent(rec, "", "  ")
		if err != nil {
			return fmt.Errorf("encode record: %w", err)
		}
		fmt.Println(string(out))
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintf(w, "LOCATION\t%s\n", locationID)
	fmt.Fprintf(w, "RECORD ID\t%s\n", rec.ID)
	fmt.Fprintf(w, "MODIFICATIONS\t%d\n", rec.ModificationCount)
	fmt.Fprintf(w, "SEISMIC\t%g\n", rec.SeismicActivity)
	fmt.Fprintf(w, "TEMPERATURE (C)\t%g\n", rec.TemperatureC)
	fmt.Fprintf(w, "RADIATION\t%g\n", rec.RadiationLevel)
	return w.Flush()
}
