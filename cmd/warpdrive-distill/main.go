package main

import (
	"context"
	goflag "flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"k8s.io/klog/v2"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCommand()
	addKlogFlags(root.PersistentFlags())

	err := root.ExecuteContext(ctx)
	if err != nil {
		klog.ErrorS(err, "Command failed")
	}
	klog.Flush()
	if err != nil {
		stop()
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "warpdrive-distill",
		Short:         "Train a small student classifier to imitate a frozen teacher",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newFinetuneCommand(), newDistillCommand(), newLossCommand())
	return root
}

// addKlogFlags exposes -v, -logtostderr and friends on the cobra command line.
func addKlogFlags(flags *pflag.FlagSet) {
	fs := goflag.NewFlagSet("klog", goflag.ExitOnError)
	klog.InitFlags(fs)
	flags.AddGoFlagSet(fs)
}
