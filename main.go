package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	goipmi "github.com/ooneko/goipmi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/ipmi-lanplus/config"
	"github.com/ipmi-lanplus/ipmi"
	"github.com/ipmi-lanplus/vsphere"
)

var chassisControls = map[string]uint8{
	"off":   uint8(goipmi.ControlPowerDown),
	"on":    uint8(goipmi.ControlPowerUp),
	"cycle": uint8(goipmi.ControlPowerCycle),
	"reset": uint8(goipmi.ControlPowerHardReset),
}

func main() {
	configFile := flag.String("config", "config.json", "Path to configuration file")
	power := flag.String("power", "", "Chassis control: on, off, cycle or reset")
	sol := flag.Bool("sol", false, "Activate Serial over LAN and attach stdin/stdout")
	metricsAddr := flag.String("metrics", "", "Serve Prometheus metrics on this address")
	flag.Parse()

	cfg, err := config.LoadFromFile(*configFile)
	if err != nil {
		fmt.Printf("Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	log := logrus.New()
	log.SetLevel(cfg.GetLogLevel())

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logrus.NewEntry(log), *power, *sol, *metricsAddr); err != nil {
		log.Fatalf("%v", err)
	}
}

func run(ctx context.Context, cfg *config.Config, log *logrus.Entry, power string, sol bool, metricsAddr string) error {
	metrics := ipmi.NewMetrics(prometheus.DefaultRegisterer)
	if metricsAddr != "" {
		go func() {
			if err := http.ListenAndServe(metricsAddr, promhttp.Handler()); err != nil {
				log.Errorf("Metrics server failed: %v", err)
			}
		}()
	}

	opts := []ipmi.Option{ipmi.WithLogger(log), ipmi.WithMetrics(metrics)}
	switch cfg.Interface {
	case ipmi.TransportVSphere:
		vsClient, err := vsphere.NewClient(ctx, cfg.VCenter.IP, cfg.VCenter.User, cfg.VCenter.Password, cfg.VCenter.Datacenter, cfg.VCenter.Insecure)
		if err != nil {
			return fmt.Errorf("failed to create vSphere client: %w", err)
		}
		defer vsClient.Logout(context.Background())
		opts = append(opts, ipmi.WithVM(vsClient, cfg.VM))
	default:
		sessionOpts, err := cfg.SessionOptions()
		if err != nil {
			return err
		}
		opts = append(opts, sessionOpts...)
		if cfg.GUIDDB != "" {
			store, err := config.NewGUIDStore(cfg.GUIDDB)
			if err != nil {
				return err
			}
			defer store.Close()
			opts = append(opts, ipmi.WithGUIDStore(store))
		}
	}

	intf, err := ipmi.Load(cfg.Interface, opts...)
	if err != nil {
		return err
	}
	if err := intf.Open(ctx); err != nil {
		return fmt.Errorf("failed to open %s interface: %w", intf.Name(), err)
	}
	defer intf.Close()

	go func() {
		<-ctx.Done()
		intf.Abort()
	}()

	switch {
	case power != "":
		return chassisControl(ctx, intf, power, log)
	case sol:
		return console(ctx, intf, log)
	default:
		return chassisStatus(ctx, intf)
	}
}

func chassisStatus(ctx context.Context, intf ipmi.Interface) error {
	rsp, err := intf.SendRecv(ctx, &ipmi.Request{
		NetworkFunction: goipmi.NetworkFunctionChassis,
		Command:         goipmi.CommandChassisStatus,
	})
	if err != nil {
		return err
	}
	if err := rsp.Err(); err != nil {
		return fmt.Errorf("chassis status: %w", err)
	}
	state := "off"
	if len(rsp.Data) > 0 && rsp.Data[0]&goipmi.SystemPower != 0 {
		state = "on"
	}
	fmt.Printf("Chassis Power is %s\n", state)
	return nil
}

func chassisControl(ctx context.Context, intf ipmi.Interface, power string, log *logrus.Entry) error {
	control, ok := chassisControls[power]
	if !ok {
		return fmt.Errorf("unknown power action %q", power)
	}
	rsp, err := intf.SendRecv(ctx, &ipmi.Request{
		NetworkFunction: goipmi.NetworkFunctionChassis,
		Command:         goipmi.CommandChassisControl,
		Data:            []byte{control},
	})
	if err != nil {
		return err
	}
	if err := rsp.Err(); err != nil {
		return fmt.Errorf("chassis control: %w", err)
	}
	log.Infof("Chassis power %s", power)
	return nil
}

// console copies stdin to the SOL payload and SOL output to stdout.
func console(ctx context.Context, intf ipmi.Interface, log *logrus.Entry) error {
	lan, ok := intf.(*ipmi.LANPlus)
	if !ok {
		return fmt.Errorf("serial over LAN needs the %s interface", ipmi.TransportLANPlus)
	}
	if err := lan.ActivateSOL(ctx); err != nil {
		return err
	}
	defer lan.DeactivateSOL(context.Background())

	go func() {
		for {
			p, err := lan.RecvSOL(ctx)
			if err != nil {
				return
			}
			os.Stdout.Write(p.Data)
		}
	}()

	chunk := lan.Session().SOL().MaxOutbound() - 4
	in := bufio.NewReader(os.Stdin)
	buf := make([]byte, chunk)
	for {
		n, err := in.Read(buf)
		if n > 0 {
			if _, err := lan.SendSOL(ctx, buf[:n]); err != nil {
				return err
			}
		}
		if err != nil {
			log.Debugf("stdin closed: %v", err)
			return nil
		}
	}
}
