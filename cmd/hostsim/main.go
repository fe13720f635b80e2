// Command hostsim runs a simulation described by a yaml or json file:
//
//	hostsim -sim experiment.yaml [-workers 4] [-policy steal] [-seed 7] [-trace out.yaml]
//
// Command line values override the ones in the file.  A topology file named by the
// description is found relative to the description's directory.
package main

import (
	"flag"
	"os"
	"path/filepath"

	"github.com/iti/hostsim"
	"github.com/sirupsen/logrus"
	"github.com/unixpickle/essentials"
)

func main() {
	var simFile, policy, traceFile, logLevel string
	var workers int
	var seed uint64
	var stopTime float64
	flag.StringVar(&simFile, "sim", "", "simulation description (.yaml, .yml or .json)")
	flag.StringVar(&policy, "policy", "", "scheduling policy: serial, pinned, steal or group")
	flag.IntVar(&workers, "workers", 0, "number of worker threads")
	flag.Uint64Var(&seed, "seed", 0, "master random seed")
	flag.Float64Var(&stopTime, "stop", 0, "simulated seconds to run")
	flag.StringVar(&traceFile, "trace", "", "write the packet trace to this file")
	flag.StringVar(&logLevel, "loglevel", "", "log level of the simulation")
	flag.Parse()

	if len(simFile) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	hostsim.SetLogger(logger)

	cfg, err := hostsim.ReadSimulationCfg(simFile, filepath.Ext(simFile) != ".json", nil)
	if err != nil {
		logger.Fatalf("reading %s: %v", simFile, err)
	}
	if len(policy) > 0 {
		cfg.Policy = policy
	}
	if workers > 0 {
		cfg.Workers = workers
	}
	if seed > 0 {
		cfg.Seed = seed
	}
	if stopTime > 0 {
		cfg.StopTime = stopTime
	}
	if len(traceFile) > 0 {
		cfg.TraceFile = traceFile
	}
	if len(logLevel) > 0 {
		cfg.LogLevel = logLevel
	}

	mgr, err := hostsim.BuildManager(cfg, filepath.Dir(simFile))
	if err != nil {
		logger.Fatalf("building simulation %s: %v", cfg.Name, err)
	}
	essentials.Must(mgr.Run())
}
