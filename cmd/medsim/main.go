package main

import (
	"context"
	"fmt"
	"os"

	merr "github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/kata-containers/optee-mediator/internal/mediator"
	"github.com/kata-containers/optee-mediator/internal/mediator/memory"
	"github.com/kata-containers/optee-mediator/internal/mediator/msg"
)

var simLog = logrus.WithField("source", "medsim")

func initLog(level string) {
	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	simLog.Logger.SetLevel(logLevel)
	simLog.Logger.Formatter = &logrus.TextFormatter{}
}

// runDemo drives a small end-to-end scenario against simFirmware and a
// handful of simulated VM contexts: create each VM, issue one INVOKE_COMMAND
// standard call per VM, then tear every VM down, collecting every teardown
// failure instead of stopping at the first. It does not exercise RPC
// suspension, SHM registration or the thread limit.
func runDemo(ctx *cli.Context) error {
	initLog(ctx.GlobalString("log-level"))

	cfg, err := mediator.LoadConfig(ctx.GlobalString("config"))
	if err != nil {
		return err
	}
	cfg.InitialThreadLimit = uint32(ctx.GlobalInt("thread-count"))

	fw := newSimFirmware(uint32(ctx.GlobalInt("thread-count")))
	newSystem := func() memory.System { return memory.NewSimGateway() }

	m, err := mediator.New(fw, newSystem, cfg, nil)
	if err != nil {
		return fmt.Errorf("constructing mediator: %w", err)
	}

	vmCount := ctx.GlobalInt("vm-count")
	handles := make([]string, 0, vmCount)

	background := context.Background()
	if err := m.CreateHost(background); err != nil {
		return err
	}

	for i := 0; i < vmCount; i++ {
		handle := fmt.Sprintf("demo-vm-%d", i)
		if err := m.CreateVM(background, handle); err != nil {
			return fmt.Errorf("creating %s: %w", handle, err)
		}
		handles = append(handles, handle)

		vm, _ := m.Find(handle)
		fw.registerVM(vm.VMID, vm.Gateway())

		if err := driveInvokeCommand(background, m, vm); err != nil {
			simLog.WithError(err).WithField("handle", handle).Warn("demo invocation failed")
		}
	}

	var teardownErr *merr.Error
	for _, handle := range handles {
		if err := m.DestroyVM(background, handle); err != nil {
			teardownErr = merr.Append(teardownErr, fmt.Errorf("destroying %s: %w", handle, err))
		}
	}
	if err := m.DestroyHost(background); err != nil {
		teardownErr = merr.Append(teardownErr, err)
	}

	m.Shutdown()
	return teardownErr.ErrorOrNil()
}

// driveInvokeCommand writes one argument page, dispatches CALL_WITH_ARG
// against it, and logs what came back.
func driveInvokeCommand(ctx context.Context, m *mediator.Mediator, vm *mediator.VMContext) error {
	sim, ok := vm.Gateway().(*memory.SimGateway)
	if !ok {
		return fmt.Errorf("demo requires a *memory.SimGateway gateway")
	}

	argGPA := memory.GPA(0x1000)
	sim.MapPage(argGPA)

	arg := &msg.Arg{
		Cmd: msg.CmdInvokeCommand,
		Params: []msg.Param{
			{Attr: msg.AttrTypeValueInout, Value: msg.ValueParam{A: 7}},
		},
	}
	arg.NumParams = uint32(len(arg.Params))
	sim.WritePage(argGPA, msg.EncodeArg(arg))

	hi, lo := msg.RegPairFromPtr(uint64(argGPA))
	res := m.Dispatch(ctx, vm, msg.Regs{A0: msg.FuncCallWithArg, A1: hi, A2: lo})
	if res.A0 != msg.ReturnOK {
		return fmt.Errorf("call_with_arg returned 0x%x", res.A0)
	}

	out := msg.DecodeArg(sim.ReadPage(argGPA))
	simLog.WithFields(logrus.Fields{
		"vmid": vm.VMID,
		"ret":  out.Ret,
		"b":    out.Params[0].Value.B,
	}).Info("invoke_command completed")
	return nil
}

func main() {
	app := cli.NewApp()
	app.Name = "medsim"
	app.Usage = "drive the OP-TEE mediator's dispatcher loop against a simulated firmware and guest"
	app.Flags = []cli.Flag{
		cli.IntFlag{
			Name:  "vm-count",
			Value: 2,
			Usage: "number of simulated guest VMs to create and tear down",
		},
		cli.IntFlag{
			Name:  "thread-count",
			Value: 4,
			Usage: "GET_THREAD_COUNT value the simulated firmware reports",
		},
		cli.StringFlag{
			Name:  "config",
			Value: "",
			Usage: "optional TOML config file (see mediator.Config)",
		},
		cli.StringFlag{
			Name:  "log-level",
			Value: "info",
			Usage: "logging level (trace/debug/info/warn/error/fatal/panic)",
		},
	}
	app.Action = runDemo

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
