// Command avrisp turns a single-board computer into an STK500v1 compatible AVR
// programmer. The target is wired to the board's SPI pins plus one GPIO for RESET;
// avrdude talks to it over a serial port (-c arduino) or TCP (-P net:host:328).
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"gobot.io/x/gobot/v2/drivers/gpio"
	"gobot.io/x/gobot/v2/platforms/raspi"

	isp "github.com/tocurd/go-avrisp"
	"github.com/tocurd/go-avrisp/indicator"
	"github.com/tocurd/go-avrisp/stk500"
	"github.com/tocurd/go-avrisp/transport"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

var verbose bool

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          "avrisp",
		Short:        "STK500v1 AVR in-system programmer",
		SilenceUsage: true,
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log every command")

	root.AddCommand(newServeCommand(), newProbeCommand(), newPortsCommand())
	return root
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// hardware selects the SPI bus and RESET pin the target is wired to.
type hardware struct {
	spiBus   int
	spiChip  int
	spiSpeed int64
	resetPin string
}

func (h *hardware) register(cmd *cobra.Command) {
	cmd.Flags().IntVar(&h.spiBus, "spi-bus", 0, "SPI bus number")
	cmd.Flags().IntVar(&h.spiChip, "spi-chip", 0, "SPI chip select")
	cmd.Flags().Int64Var(&h.spiSpeed, "spi-speed", isp.DefaultSpeed, "SPI clock in Hz, below 1/4 of the target clock")
	cmd.Flags().StringVar(&h.resetPin, "reset-pin", "22", "header pin wired to the target RESET")
}

/*
 * @Description: 连接开发板并创建ISP驱动
 * @param logger
 * @return *raspi.Adaptor 调用方负责 Finalize
 * @return *isp.ISP
 */
func (h *hardware) open(logger isp.Logger) (*raspi.Adaptor, *isp.ISP, error) {
	adaptor := raspi.NewAdaptor()
	if err := adaptor.Connect(); err != nil {
		return nil, nil, errors.Wrap(err, "connect board")
	}

	bus := isp.NewGobotBus(adaptor)
	bus.BusNumber = h.spiBus
	bus.ChipNumber = h.spiChip
	bus.MaxSpeed = h.spiSpeed
	reset := &isp.GobotReset{Writer: adaptor, Pin: h.resetPin}

	// 复位线默认释放，目标芯片正常运行
	if err := reset.Release(); err != nil {
		adaptor.Finalize()
		return nil, nil, errors.Wrapf(err, "release reset pin %s", h.resetPin)
	}
	return adaptor, isp.New(bus, reset, isp.WithLogger(logger)), nil
}

func newServeCommand() *cobra.Command {
	var (
		hw         hardware
		serialName string
		baud       int
		listen     string
		ledProg    string
		ledErr     string
		activeLow  bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve STK500v1 over a serial port and/or TCP",
		RunE: func(_ *cobra.Command, _ []string) error {
			if serialName == "" && listen == "" {
				return errors.New("nothing to serve: set --serial and/or --listen")
			}
			logger := newLogger()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			adaptor, programmer, err := hw.open(logger)
			if err != nil {
				return err
			}
			defer adaptor.Finalize()

			engine := stk500.New(programmer, stk500.WithLogger(logger))
			guard := transport.NewGuard(engine)
			defer func() {
				// 退出时释放目标芯片
				if engine.Status() == stk500.StatusProgramMode {
					if err := programmer.ExitProgramMode(); err != nil {
						logger.Error("exit program mode", "error", err)
					}
				}
			}()

			var lights []indicator.Light
			for _, pin := range []string{ledProg, ledErr} {
				if pin == "" {
					lights = append(lights, nil)
					continue
				}
				light, err := newLight(adaptor, pin, activeLow)
				if err != nil {
					return err
				}
				lights = append(lights, light)
			}

			var port io.ReadWriteCloser
			if serialName != "" {
				p, err := transport.OpenSerial(serialName, baud)
				if err != nil {
					return err
				}
				port = p
			}

			var wg sync.WaitGroup
			errc := make(chan error, 3)
			run := func(name string, fn func() error) {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if err := fn(); err != nil && ctx.Err() == nil {
						errc <- errors.Wrap(err, name)
						stop()
					}
				}()
			}

			if lights[0] != nil || lights[1] != nil {
				ind := indicator.New(engine, lights[0], lights[1], indicator.WithLogger(logger))
				run("indicator", func() error { return ind.Run(ctx) })
			}
			if port != nil {
				run("serial", func() error {
					defer port.Close()
					logger.Info("serving serial port", "port", serialName, "baud", baud)
					err := transport.ServeConn(ctx, port, guard)
					if err == nil {
						logger.Info("serial port closed", "port", serialName)
					}
					return err
				})
			}
			if listen != "" {
				server := transport.NewServer(listen, guard, transport.WithLogger(logger))
				run("tcp", func() error { return server.ListenAndServe(ctx) })
			}

			wg.Wait()
			close(errc)
			return <-errc
		},
	}

	hw.register(cmd)
	cmd.Flags().StringVar(&serialName, "serial", "", "serial port to serve (e.g. /dev/ttyGS0)")
	cmd.Flags().IntVar(&baud, "baud", transport.DefaultBaudRate, "serial baud rate")
	cmd.Flags().StringVar(&listen, "listen", "", "TCP address to serve (e.g. "+transport.DefaultAddr+")")
	cmd.Flags().StringVar(&ledProg, "led-prog", "", "header pin of the programming LED")
	cmd.Flags().StringVar(&ledErr, "led-err", "", "header pin of the error LED")
	cmd.Flags().BoolVar(&activeLow, "active-low", false, "LEDs are lit when the pin is low")
	return cmd
}

func newLight(adaptor *raspi.Adaptor, pin string, activeLow bool) (indicator.Light, error) {
	led := gpio.NewLedDriver(adaptor, pin)
	if err := led.Start(); err != nil {
		return nil, errors.Wrapf(err, "start led on pin %s", pin)
	}
	var light indicator.Light = led
	if activeLow {
		light = indicator.ActiveLow(light)
	}
	return light, nil
}

func newProbeCommand() *cobra.Command {
	var hw hardware

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Enter program mode and print the target signature",
		RunE: func(_ *cobra.Command, _ []string) error {
			logger := newLogger()
			adaptor, programmer, err := hw.open(logger)
			if err != nil {
				return err
			}
			defer adaptor.Finalize()

			if err := programmer.EnterProgramMode(); err != nil {
				programmer.ExitProgramMode()
				return errors.Wrap(err, "enter program mode")
			}
			signature, err := programmer.ReadSignature()
			if err != nil {
				programmer.ExitProgramMode()
				return errors.Wrap(err, "read signature")
			}
			if err := programmer.ExitProgramMode(); err != nil {
				return errors.Wrap(err, "exit program mode")
			}

			fmt.Printf("signature: 0x%06X\n", signature)
			return nil
		},
	}

	hw.register(cmd)
	return cmd
}

func newPortsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "ports",
		Short: "List serial ports",
		RunE: func(_ *cobra.Command, _ []string) error {
			ports, err := transport.ListPorts()
			if err != nil {
				return err
			}
			if len(ports) == 0 {
				fmt.Println("no serial ports found")
				return nil
			}
			for _, port := range ports {
				if port.IsUSB {
					fmt.Printf("%s\tUSB %s:%s\t%s\t%s\n", port.Name, port.VID, port.PID, port.SerialNumber, port.Product)
				} else {
					fmt.Println(port.Name)
				}
			}
			return nil
		},
	}
}
