package main

import (
	"fmt"
	"math/rand"

	"github.com/spf13/cobra"

	"github.com/nabulines/nabulines/internal/entity"
	"github.com/nabulines/nabulines/internal/worker"
	"github.com/nabulines/nabulines/pkg/kafka"
)

func seedCmd(a *app) *cobra.Command {
	var users int
	var seed int64
	var viaKafka bool
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Write a generated sample data set",
		Long: `Write a generated set of users, projects, campaigns and contracts. With
--via-kafka the records are published as write commands for the index worker
instead of being written directly.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			samples := entity.Samples(rand.New(rand.NewSource(seed)), users)
			ctx := cmd.Context()

			if viaKafka {
				producer := kafka.NewProducer(a.cfg.Kafka, a.cfg.Kafka.Topics.RecordWrites)
				defer producer.Close()
				for _, s := range samples {
					c := worker.WriteCommand{Op: worker.OpPut, EntityType: s.Type, ID: s.ID, Attributes: s.Attributes}
					if err := producer.Publish(ctx, kafka.Event{Key: c.Key(), Value: c}); err != nil {
						return err
					}
				}
				fmt.Fprintf(a.out, "published %d write commands to %s\n", len(samples), a.cfg.Kafka.Topics.RecordWrites)
				return nil
			}

			mgr, err := a.manager(ctx)
			if err != nil {
				return err
			}
			for _, s := range samples {
				if _, err := mgr.Put(ctx, s.Type, s.ID, s.Attributes); err != nil {
					return fmt.Errorf("seeding %s:%s: %w", s.Type, s.ID, err)
				}
			}
			fmt.Fprintf(a.out, "wrote %d records\n", len(samples))
			return nil
		},
	}
	cmd.Flags().IntVar(&users, "users", 100, "number of users; other types scale from it")
	cmd.Flags().Int64Var(&seed, "seed", 1, "random seed")
	cmd.Flags().BoolVar(&viaKafka, "via-kafka", false, "publish write commands instead of writing directly")
	return cmd
}
