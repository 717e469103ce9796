package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/relaymq/relay-go/contracts"
)

var (
	version   = "dev"
	gitCommit = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "relay-monitor",
		Short:   "Inspect and manage RelayMQ topics and the dead-letter channel",
		Version: fmt.Sprintf("%s (commit: %s)", version, gitCommit),
	}

	var (
		brokers  []string
		dlqTopic string
	)
	rootCmd.PersistentFlags().StringSliceVarP(&brokers, "brokers", "b", []string{"localhost:9092"}, "Kafka broker addresses")
	rootCmd.PersistentFlags().StringVar(&dlqTopic, "dlq-topic", "relay.dlq", "Dead-letter topic name")

	dlqCmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect the dead-letter channel",
	}

	var limit int
	dlqListCmd := &cobra.Command{
		Use:   "list",
		Short: "List dead-lettered messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			records, err := readDeadLetters(ctx, brokers, dlqTopic, limit)
			if err != nil {
				return err
			}
			printRecords(records)
			return nil
		},
	}
	dlqListCmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum records to read")

	dlqCountCmd := &cobra.Command{
		Use:   "count",
		Short: "Count records on the dead-letter topic",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			count, err := countRecords(ctx, brokers, dlqTopic)
			if err != nil {
				return err
			}
			fmt.Printf("%d record(s) on %s\n", count, dlqTopic)
			return nil
		},
	}

	dlqPeekCmd := &cobra.Command{
		Use:   "peek <message-id>",
		Short: "Show the full dead-letter record for a message, attempt history included",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			records, err := readDeadLetters(ctx, brokers, dlqTopic, 0)
			if err != nil {
				return err
			}
			for _, rec := range records {
				if rec.OriginalMessageID == args[0] {
					out, err := json.MarshalIndent(rec, "", "  ")
					if err != nil {
						return err
					}
					fmt.Println(string(out))
					return nil
				}
			}
			return fmt.Errorf("no dead-letter record for message %s", args[0])
		},
	}

	dlqCmd.AddCommand(dlqListCmd, dlqCountCmd, dlqPeekCmd)

	topicsCmd := &cobra.Command{
		Use:   "topics",
		Short: "Manage topics",
	}

	var partitions int32
	topicsDeclareCmd := &cobra.Command{
		Use:   "declare <topic>",
		Short: "Create a topic if it does not exist",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			client, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
			if err != nil {
				return fmt.Errorf("failed to create client: %w", err)
			}
			defer client.Close()

			admin := kadm.NewClient(client)
			if _, err := admin.CreateTopics(ctx, partitions, 1, nil, args[0]); err != nil {
				return fmt.Errorf("failed to create topic: %w", err)
			}
			fmt.Printf("topic %s declared with %d partition(s)\n", args[0], partitions)
			return nil
		},
	}
	topicsDeclareCmd.Flags().Int32VarP(&partitions, "partitions", "p", 3, "Partition count")

	topicsCmd.AddCommand(topicsDeclareCmd)
	rootCmd.AddCommand(dlqCmd, topicsCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// readDeadLetters consumes the dead-letter topic from the beginning. A
// limit of 0 reads everything currently on the topic.
func readDeadLetters(ctx context.Context, brokers []string, topic string, limit int) ([]contracts.DeadLetterRecord, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ConsumeTopics(topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}
	defer client.Close()

	total, err := countRecordsWith(ctx, kadm.NewClient(client), topic)
	if err != nil {
		return nil, err
	}

	var records []contracts.DeadLetterRecord
	for int64(len(records)) < total {
		pollCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		fetches := client.PollFetches(pollCtx)
		cancel()
		if fetches.IsClientClosed() {
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		done := false
		fetches.EachRecord(func(rec *kgo.Record) {
			if done {
				return
			}
			var envelope contracts.Envelope
			if err := json.Unmarshal(rec.Value, &envelope); err != nil {
				return
			}
			var record contracts.DeadLetterRecord
			if err := json.Unmarshal(envelope.Body, &record); err != nil {
				return
			}
			records = append(records, record)
			if limit > 0 && len(records) >= limit {
				done = true
			}
		})
		if done || fetches.Empty() {
			break
		}
	}
	return records, nil
}

// countRecords sums the end offsets of the topic's partitions.
func countRecords(ctx context.Context, brokers []string, topic string) (int64, error) {
	client, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return 0, fmt.Errorf("failed to create client: %w", err)
	}
	defer client.Close()
	return countRecordsWith(ctx, kadm.NewClient(client), topic)
}

func countRecordsWith(ctx context.Context, admin *kadm.Client, topic string) (int64, error) {
	ends, err := admin.ListEndOffsets(ctx, topic)
	if err != nil {
		return 0, fmt.Errorf("failed to list offsets: %w", err)
	}
	starts, err := admin.ListStartOffsets(ctx, topic)
	if err != nil {
		return 0, fmt.Errorf("failed to list offsets: %w", err)
	}

	var total int64
	ends.Each(func(end kadm.ListedOffset) {
		total += end.Offset
	})
	starts.Each(func(start kadm.ListedOffset) {
		total -= start.Offset
	})
	return total, nil
}

func printRecords(records []contracts.DeadLetterRecord) {
	if len(records) == 0 {
		fmt.Println("no dead-letter records")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "MESSAGE ID\tORIGINAL TOPIC\tATTEMPTS\tREASON\tDEAD-LETTERED AT")
	for _, rec := range records {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
			rec.OriginalMessageID,
			rec.OriginalTopic,
			len(rec.AttemptHistory),
			rec.Reason,
			rec.DeadLetteredAt.Format(time.RFC3339),
		)
	}
	w.Flush()
}
