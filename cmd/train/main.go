// Train a residual network on an image data set, keeping the checkpoint with the best validation accuracy
// and reporting the test accuracy of that checkpoint at the end.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/jnb666/resnet/img"
	"github.com/jnb666/resnet/nnet"
	"github.com/jnb666/resnet/num"
)

func main() {
	flag.Usage = func() {
		fmt.Fprintln(flag.CommandLine.Output(), "usage: train [opts] [config.json]")
		flag.PrintDefaults()
	}
	nnet.AddFlags(flag.CommandLine, nnet.DefaultConfig())
	flag.Parse()

	conf := nnet.DefaultConfig()
	var err error
	if flag.NArg() > 0 {
		conf, err = nnet.LoadConfig(flag.Arg(0))
		nnet.CheckErr(err)
	}
	// override config settings from command line
	conf, err = conf.Override(flag.CommandLine)
	nnet.CheckErr(err)
	fmt.Println(conf)

	start := time.Now()
	dev := num.NewDevice()
	q := dev.NewQueue(conf.Threads)
	q.Profiling(conf.Profile)
	rng := nnet.SetSeed(conf.RandSeed)

	sets, err := img.LoadSets(dev, conf, rng)
	nnet.CheckErr(err)
	defer sets.Release()

	net := nnet.New(q, conf, sets.Train.Shape())
	net.InitWeights(rng)
	fmt.Println(net)

	valid := nnet.Validation{Evaluator: nnet.NewEvaluator(q), Data: sets.Valid}
	trainer := nnet.NewTrainer(net, sets.Train, valid, nnet.FileStore{Dir: conf.DataDir})

	// first interrupt stops training at the end of the current epoch, a second one exits
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	go func() {
		<-sig
		fmt.Println("\ninterrupt: stopping after this epoch")
		trainer.Stop()
		<-sig
		os.Exit(1)
	}()

	nnet.CheckErr(trainer.Run(context.Background()))
	if conf.DebugLevel >= 1 {
		net.PrintWeights()
	}
	_, err = trainer.Test(sets.Test)
	nnet.CheckErr(err)
	q.Shutdown()
	fmt.Printf("total time %s\n", time.Since(start).Round(10*time.Millisecond))
}
