// Command gosdemo boots a gos2022-go kernel instance on a SoftwarePort
// and drives a handful of demo tasks exercising the queue, message, and
// signal subsystems, ticking the port manually instead of relying on
// real hardware interrupts.
//
// Grounded on sourcegraph's cmd/repo-updater/main.go + shared/main.go
// split (a thin main() that hands off to a root command), simplified
// here to a single cobra.Command since the demo has no enterprise
// sub-services to register.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/gaborr971/gos2022-go/internal/gosport"
	"github.com/gaborr971/gos2022-go/internal/gostask"
	"github.com/gaborr971/gos2022-go/kernel"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var ticks uint
	var metricsAddr string

	root := &cobra.Command{
		Use:   "gosdemo",
		Short: "Runs a software-ported gos2022-go kernel with demo producer/consumer tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDemo(cmd.Context(), ticks, metricsAddr)
		},
	}
	root.Flags().UintVar(&ticks, "ticks", 500, "number of simulated milliseconds to advance the software port")
	root.Flags().StringVar(&metricsAddr, "metrics-addr", "", "if set, also serve Prometheus metrics on this address while the demo runs")
	return root
}

func runDemo(ctx context.Context, ticks uint, metricsAddr string) error {
	log := logrus.StandardLogger()

	var k *kernel.Kernel
	port := gosport.NewSoftwarePort(func() {
		if k != nil {
			k.Table.Reschedule()
		}
	})
	k = kernel.New(kernel.DefaultConfig(), port, log)

	if err := k.Init(demoUserApp); err != nil {
		return err
	}
	if err := k.Start(ctx); err != nil {
		return err
	}

	if metricsAddr != "" {
		go func() {
			log.WithField("addr", metricsAddr).Info("serving metrics")
			_ = http.ListenAndServe(metricsAddr, k.MetricsHandler())
		}()
	}

	for i := uint(0); i < ticks; i++ {
		port.AdvanceMs(1)
		if i%100 == 0 {
			k.RunSystemTaskCycle()
		}
	}
	k.RunSystemTaskCycle()

	for _, data := range k.Table.Snapshot() {
		log.WithFields(logrus.Fields{
			"task":       data.Name,
			"state":      data.State.String(),
			"priority":   data.Priority,
			"cpu_permille": data.CPUUsagePermille,
		}).Info("final task snapshot")
	}
	return nil
}

// demoUserApp registers the demo tasks as the kernel's "user-app" init
// step (spec §4.8's last step in the ordered sequence).
func demoUserApp(k *kernel.Kernel) error {
	qid, err := k.CreateQueue("work", 4, 32)
	if err != nil {
		return err
	}

	producerID, err := k.Table.Register(gostask.Descriptor{
		Name:     "producer",
		Priority: 20,
		Entry: func(self gostask.ID) {
			_ = k.QueuePut(self, qid, []byte("hello"), 0)
		},
	})
	if err != nil {
		return err
	}
	if entry, err := k.Table.Entry(producerID); err == nil {
		entry(producerID)
	}

	consumerID, err := k.Table.Register(gostask.Descriptor{Name: "consumer", Priority: 21})
	if err != nil {
		return err
	}
	buf := make([]byte, 32)
	_, _ = k.QueueGet(consumerID, qid, buf, 0)

	if err := k.Messages.Tx(7, []byte("ping")); err != nil {
		return err
	}
	receiverID, err := k.Table.Register(gostask.Descriptor{Name: "receiver", Priority: 22})
	if err != nil {
		return err
	}
	msgBuf := make([]byte, 32)
	if _, err := k.MessageRx(receiverID, []uint16{7}, msgBuf, 0); err != nil {
		log := logrus.StandardLogger()
		log.WithError(err).Debug("demo receiver found no message yet")
	}

	sigID, err := k.Signals.Create("demo_event")
	if err != nil {
		return err
	}
	return k.Signals.Subscribe(sigID, func(sender gostask.ID) {
		k.Metrics.IncSignalInvocation("demo_event")
	}, gostask.PrivUser)
}
