package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/evosense/locationd/internal/location"
)

func putCmd() *cobra.Command {
	var (
		recordID  string
		seismic   float64
		temp      float64
		radiation float64
	)

	cmd := &cobra.Command{
		Use:   "put <location_id>",
		Short: "Write a stats record for a location",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if recordID == "" {
				recordID = uuid.NewString()
			}
			if _, err := uuid.Parse(recordID); err != nil {
				return fmt.Errorf("record id must be a UUID: %w", err)
			}

			stats := location.LocationStats{
				ID:              recordID,
				SeismicActivity: seismic,
				TemperatureC:    temp,
				RadiationLevel:  radiation,
			}

			body, err := json.Marshal(stats)
			if err != nil {
				return fmt.Errorf("encode request body: %w", err)
			}

			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPut,
				baseURL()+"/"+url.PathEscape(args[0]), bytes.NewReader(body))
			if err != nil {
				return fmt.Errorf("build request: %w", err)
			}
			req.Header.Set("Content-Type", "application/json")

			resp, err := httpClient.Do(req)
			if err != nil {
				return fmt.Errorf("put %s: %w", args[0], err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusCreated {
				return fmt.Errorf("put %s: unexpected status %s", args[0], resp.Status)
			}

			fmt.Printf("created %s (record id %s)\n", args[0], recordID)
			return nil
		},
	}

	cmd.Flags().StringVar(&recordID, "id", "", "record id (UUID); generated when empty")
	cmd.Flags().Float64Var(&seismic, "seismic", 0, "seismic activity")
	cmd.Flags().Float64Var(&temp, "temperature", 0, "temperature in degrees Celsius")
	cmd.Flags().Float64Var(&radiation, "radiation", 0, "radiation level")

	return cmd
}
