package monitor

import (
	"context"
	"fmt"
	"net/http"
)

// HTTPProbe returns a Probe that issues a GET against a health endpoint and
// treats any 2xx response inside the deadline as alive.
func HTTPProbe(url string, client *http.Client) Probe {
	if client == nil {
		client = http.DefaultClient
	}

	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}

		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return fmt.Errorf("health check returned %s", resp.Status)
		}
		return nil
	}
}
