package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"escalator/internal/config"
	"escalator/internal/domain"
	"escalator/internal/ingest"

	"github.com/spf13/cobra"
)

type sendOptions struct {
	transport      string
	url            string
	natsURL        []string
	natsSubject    string
	source         string
	alertID        string
	raise          string
	clear          string
	subject        string
	summary        string
	detail         string
	importance     int
	replace        bool
	transmissionID int64
	timeout        time.Duration
}

func newSendCommand() *cobra.Command {
	opts := &sendOptions{}
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Publish one alert update to a running escalator",
		Example: `  escalator send --source db1 --id disk --summary "disk 95% full"
  escalator send --source db1 --id disk --clear now
  escalator send --transport nats --nats-url nats://127.0.0.1:4222 --source cron --id backup --clear now --raise +25h`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			update, err := opts.build(time.Now())
			if err != nil {
				return err
			}
			publisher, err := ingest.NewPublisher(opts.transport, opts.url, opts.natsURL, opts.natsSubject, opts.timeout)
			if err != nil {
				return err
			}
			defer publisher.Close()
			if err := publisher.Publish(cmd.Context(), update); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "sent %s/%s transmission %d\n", update.Source, opts.alertID, update.TransmissionID)
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&opts.transport, "transport", config.TransportHTTP, "http or nats")
	flags.StringVar(&opts.url, "url", "http://127.0.0.1:8080/ingest", "ingest URL for --transport http")
	flags.StringSliceVar(&opts.natsURL, "nats-url", []string{"nats://127.0.0.1:4222"}, "NATS servers for --transport nats")
	flags.StringVar(&opts.natsSubject, "nats-subject", "escalator.updates", "NATS subject for --transport nats")
	flags.StringVar(&opts.source, "source", "", "update source (required)")
	flags.StringVar(&opts.alertID, "id", "", "alert id within the source (required)")
	flags.StringVar(&opts.raise, "raise", "", "raise time: now, +5m, -1h, RFC3339, or epoch seconds")
	flags.StringVar(&opts.clear, "clear", "", "clear time, same formats as --raise")
	flags.StringVar(&opts.subject, "subject", "", "alert subject")
	flags.StringVar(&opts.summary, "summary", "", "alert summary")
	flags.StringVar(&opts.detail, "detail", "", "alert detail")
	flags.IntVar(&opts.importance, "importance", 0, "alert importance")
	flags.BoolVar(&opts.replace, "replace", false, "clear every other raised alert of the source")
	flags.Int64Var(&opts.transmissionID, "transmission-id", 0, "transmission id; defaults to the current time in nanoseconds")
	flags.DurationVar(&opts.timeout, "timeout", 10*time.Second, "publish timeout")
	_ = cmd.MarkFlagRequired("source")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

// build turns flags into a validated update.
func (o *sendOptions) build(now time.Time) (domain.Update, error) {
	raiseAt, err := parseWhen(o.raise, now)
	if err != nil {
		return domain.Update{}, fmt.Errorf("--raise: %w", err)
	}
	clearAt, err := parseWhen(o.clear, now)
	if err != nil {
		return domain.Update{}, fmt.Errorf("--clear: %w", err)
	}
	id := o.transmissionID
	if id == 0 {
		id = now.UnixNano()
	}
	update := domain.Update{
		Source:           o.source,
		Replace:          o.replace,
		TransmissionID:   id,
		TransmissionTime: now.Unix(),
		Alerts: []domain.AlertUpdate{{
			ID:         o.alertID,
			RaiseTime:  raiseAt,
			ClearTime:  clearAt,
			Subject:    o.subject,
			Summary:    o.summary,
			Detail:     o.detail,
			Importance: o.importance,
		}},
	}
	if err := update.Validate(); err != nil {
		return domain.Update{}, err
	}
	return update, nil
}

// parseWhen resolves a flag time to epoch seconds; empty stays 0 (unset).
func parseWhen(raw string, now time.Time) (int64, error) {
	raw = strings.TrimSpace(raw)
	switch {
	case raw == "":
		return 0, nil
	case strings.EqualFold(raw, "now"):
		return now.Unix(), nil
	case raw[0] == '+' || raw[0] == '-':
		offset, err := time.ParseDuration(raw)
		if err != nil {
			return 0, err
		}
		at := now.Add(offset)
		if at.Unix() <= 0 {
			return 0, fmt.Errorf("%q resolves before the epoch", raw)
		}
		return at.Unix(), nil
	}
	if seconds, err := strconv.ParseInt(raw, 10, 64); err == nil {
		if seconds <= 0 {
			return 0, fmt.Errorf("epoch seconds must be positive, got %d", seconds)
		}
		return seconds, nil
	}
	at, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return 0, fmt.Errorf("unrecognised time %q", raw)
	}
	return at.Unix(), nil
}
