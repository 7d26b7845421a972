package flag

import (
	"os"

	"github.com/alecthomas/kong"
	"github.com/laskar-os/laskarboot/probe"
	"github.com/laskar-os/laskarboot/vmm"
	"github.com/pkg/profile"
)

func Parse() error {
	c := CLI{}

	programName := "laskarboot"
	programDesc := "laskarboot loads a kernel through UEFI boot services and hands off to it on a KVM vCPU"

	ctx := kong.Parse(&c,
		kong.Name(programName),
		kong.Description(programDesc),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}))

	err := ctx.Run()

	return err
}

func (d *ProbeCMD) Run() error {
	return probe.KVMCapabilities(d.Dev, os.Stdout)
}

func (s *BootCMD) Run() error {
	c, err := s.Config()
	if err != nil {
		return err
	}

	stop := s.startProfile()
	defer stop()

	// the kernel halting ends the process; profiles are flushed first
	c.Exit = func(code int) {
		stop()
		os.Exit(code)
	}

	v := vmm.New(c)

	if err := v.Init(); err != nil {
		return err
	}
	defer v.Close()

	return v.Boot()
}

func (s *BootCMD) startProfile() func() {
	var mode func(*profile.Profile)

	switch s.Profile {
	case "cpu":
		mode = profile.CPUProfile
	case "mem":
		mode = profile.MemProfile
	default:
		return func() {}
	}

	p := profile.Start(mode, profile.ProfilePath("."), profile.NoShutdownHook)

	return p.Stop
}
