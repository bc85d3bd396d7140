// Package main is the qcore command: it boots a kernel instance from a
// configuration file and either runs it as a long-lived service or drives
// a scripted demonstration workload.
package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"flag"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/quantum-os/qcore/internal/config"
	"github.com/quantum-os/qcore/internal/kernel"
	"github.com/quantum-os/qcore/internal/qmm"
	"github.com/quantum-os/qcore/internal/sched"
	"github.com/quantum-os/qcore/internal/telemetry"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	sub := os.Args[1]
	args := os.Args[2:]

	switch sub {
	case "help", "-h", "--help":
		usage()
	case "version", "-v", "--version":
		fmt.Printf("qcore %s\n", kernel.Version)
	case "run":
		must(runService(args))
	case "demo":
		must(runDemo(args))
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", sub)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println(`qcore - mathematical kernel core

Usage:
  qcore run  [-config file] [-tick 1ms] [-cert file -key file]
  qcore demo [-config file]
  qcore version`)
}

func must(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.KernelConfig, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// runService boots a kernel and drives it from a wall-clock tick until
// interrupted. The configuration file is hot-reloaded while running.
func runService(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cfgPath := fs.String("config", "", "configuration file (YAML)")
	tick := fs.Duration("tick", time.Millisecond, "kernel tick interval")
	certFile := fs.String("cert", "", "TLS certificate for the stats endpoint")
	keyFile := fs.String("key", "", "TLS key for the stats endpoint")
	traceOut := fs.Bool("trace", false, "emit trace spans to stdout")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		return err
	}
	if *traceOut || cfg.Telemetry.TraceToStdout {
		if err := telemetry.InitTracing("qcore", kernel.Version, nil); err != nil {
			return err
		}
	}

	k, err := kernel.New(cfg)
	if err != nil {
		return err
	}
	defer k.Shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *cfgPath != "" {
		if err := k.WatchConfig(ctx, *cfgPath); err != nil {
			return err
		}
	}

	if cfg.Telemetry.Enabled {
		tlsCfg, err := statsTLS(*certFile, *keyFile)
		if err != nil {
			return err
		}
		addr, err := k.StartStatsServer(tlsCfg)
		if err != nil {
			return err
		}
		fmt.Printf("stats endpoint: https://%s/stats (HTTP/3)\n", addr)
	}

	err = k.Run(ctx, *tick)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// runDemo exercises the allocator and scheduler with a small scripted
// workload and prints the resulting statistics and memory map.
func runDemo(args []string) error {
	fs := flag.NewFlagSet("demo", flag.ExitOnError)
	cfgPath := fs.String("config", "", "configuration file (YAML)")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		return err
	}
	cfg.Telemetry.Enabled = false
	cfg.Memory.TotalPoolBytes = 1 << 20

	k, err := kernel.New(cfg)
	if err != nil {
		return err
	}
	defer k.Shutdown()

	s := k.Scheduler()

	solver, err := s.CreateMathematicalProcess("equation-solver", sched.TypeQuantumNumber, nil)
	if err != nil {
		return err
	}
	prover, err := s.CreateMathematicalProcess("proof-checker", sched.TypeProofVerification, nil)
	if err != nil {
		return err
	}
	shell, err := s.CreateProcess("shell", sched.TypeGeneral|sched.TypeInteractive, nil)
	if err != nil {
		return err
	}
	for _, p := range []*sched.Process{solver, prover, shell} {
		if err := s.Start(p); err != nil {
			return err
		}
	}

	// The solver fills registers; the prover waits on its result.
	if _, err := k.AllocateFor(solver.ID, qmm.TypeNumber, 8*qmm.NumberSize, qmm.FlagZeroInit); err != nil {
		return err
	}
	resultID, err := k.Memory().BlockID(mustAlloc(k, prover.ID, qmm.TypeSymbolicExpression, 512))
	if err != nil {
		return err
	}
	if err := s.AddDependency(prover.ID, sched.Dependency{
		ID:           resultID,
		Description:  "solver result",
		Kind:         sched.DepComputationResult,
		TimeoutTicks: 5000,
	}); err != nil {
		return err
	}

	for i := 0; i < 200; i++ {
		k.Tick()
		if i == 50 {
			s.SatisfyDependency(resultID, nil)
		}
	}

	mem := k.MemoryStats()
	st := k.SchedulerStats()
	fmt.Printf("memory: %d/%d bytes used, %d pools, %d collections\n",
		mem.UsedMemory, mem.TotalMemory, mem.TotalPools, mem.Collector.Runs)
	fmt.Printf("scheduler: %d processes, %d decisions, %d switches\n",
		st.CurrentCount, st.SchedulingDecisions, st.ContextSwitches)
	fmt.Print(k.MemoryMap())
	return nil
}

func mustAlloc(k *kernel.Kernel, pid uint32, typ qmm.MathType, size uint64) qmm.Ptr {
	ptr, err := k.AllocateFor(pid, typ, size, qmm.FlagZeroInit)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
	return ptr
}

// statsTLS loads the configured certificate pair or, when none is given,
// generates an ephemeral self-signed one so the endpoint can come up in
// development environments.
func statsTLS(certFile, keyFile string) (*tls.Config, error) {
	if certFile != "" && keyFile != "" {
		pair, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, err
		}
		return &tls.Config{Certificates: []tls.Certificate{pair}, MinVersion: tls.VersionTLS12}, nil
	}

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		DNSNames:     []string{"localhost"},
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	if err != nil {
		return nil, err
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})
	pair, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}
	return &tls.Config{Certificates: []tls.Certificate{pair}, MinVersion: tls.VersionTLS12}, nil
}
