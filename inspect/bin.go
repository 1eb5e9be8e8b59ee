//go:build linux || darwin

package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/ZenLiuCN/leaf"
	"github.com/ZenLiuCN/leaf/hook"
	"github.com/ebitengine/purego"
	"github.com/fatih/color"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-multierror"
	"github.com/urfave/cli/v2"
)

var (
	title = color.New(color.FgCyan, color.Bold)
	ok    = color.New(color.FgGreen)
	fail  = color.New(color.FgRed, color.Bold)
)

func main() {
	app := cli.NewApp()
	app.Usage = "load shared objects without the platform linker"
	app.Name = "inspect"
	app.Description = "inspect maps ELF shared objects into its own process, dumps what it bound and tries inline hooks"
	app.Flags = []cli.Flag{
		&cli.BoolFlag{Name: "debug", Aliases: []string{"d"}},
		&cli.BoolFlag{Name: "no-init", Usage: "skip init and fini arrays"},
	}
	app.Commands = []*cli.Command{
		{
			Name:      "load",
			Action:    load,
			Usage:     "load shared objects and report their layout",
			ArgsUsage: "<file.so>...",
		},
		{
			Name:      "symbols",
			Action:    symbols,
			Usage:     "list exported symbols of shared objects",
			ArgsUsage: "<file.so>...",
		},
		{
			Name:   "hook-demo",
			Action: hookDemo,
			Usage:  "hook one exported function with another and call both",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "target", Aliases: []string{"t"}, Required: true, Usage: "exported function to hook"},
				&cli.StringFlag{Name: "handler", Aliases: []string{"r"}, Required: true, Usage: "exported function replacing the target"},
			},
			ArgsUsage: "<file.so> [integer arguments]",
		},
	}
	if err := app.Run(os.Args); err != nil {
		fail.Fprintf(os.Stderr, "failure %s\n", err)
		os.Exit(1)
	}
}

func logger(ctx *cli.Context) log.Logger {
	l := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	if ctx.Bool("debug") {
		return level.NewFilter(l, level.AllowDebug())
	}
	return level.NewFilter(l, level.AllowWarn())
}

func options(ctx *cli.Context) []leaf.Option {
	opts := []leaf.Option{leaf.WithLogger(logger(ctx))}
	if ctx.Bool("no-init") {
		opts = append(opts, leaf.WithoutInit())
	}
	return opts
}

func each(ctx *cli.Context, f func(path string, img *leaf.Image)) error {
	if ctx.NArg() == 0 {
		return fmt.Errorf("missing shared object list")
	}
	for _, p := range ctx.Args().Slice() {
		img, err := leaf.LoadFile(p, options(ctx)...)
		if err != nil {
			return err
		}
		f(p, img)
		if err = img.Release(); err != nil {
			return err
		}
	}
	return nil
}

func load(ctx *cli.Context) error {
	return each(ctx, func(p string, img *leaf.Image) {
		title.Printf("%s\n", p)
		fmt.Printf("  machine  %s\n", img.Machine())
		fmt.Printf("  base     0x%x size 0x%x\n", img.Base(), img.Size())
		if s := img.Soname(); s != "" {
			fmt.Printf("  soname   %s\n", s)
		}
		for _, n := range img.Needed() {
			fmt.Printf("  needed   %s\n", n)
		}
		for _, h := range img.ProgramHeaders() {
			fmt.Printf("  %-12s %-4s vaddr 0x%08x memsz 0x%x\n", h.Type, h.Flags, h.Vaddr, h.Memsz)
		}
		ok.Printf("  loaded with %d exports\n", len(img.Symbols()))
	})
}

func symbols(ctx *cli.Context) error {
	return each(ctx, func(p string, img *leaf.Image) {
		title.Printf("%s\n", p)
		for _, n := range img.Symbols() {
			u, _ := img.SymbolAddress(n)
			fmt.Printf("  0x%016x %s\n", u, n)
		}
	})
}

func hookDemo(ctx *cli.Context) (err error) {
	if ctx.NArg() == 0 {
		return fmt.Errorf("missing shared object")
	}
	var args []uintptr
	for _, s := range ctx.Args().Tail() {
		v, err := strconv.ParseInt(s, 0, 64)
		if err != nil {
			return fmt.Errorf("argument %q: %w", s, err)
		}
		args = append(args, uintptr(v))
	}
	img, err := leaf.LoadFile(ctx.Args().First(), options(ctx)...)
	if err != nil {
		return
	}
	defer func() {
		if e := img.Release(); e != nil {
			err = multierror.Append(err, e)
		}
	}()
	target, err := img.SymbolAddress(ctx.String("target"))
	if err != nil {
		return
	}
	handler, err := img.SymbolAddress(ctx.String("handler"))
	if err != nil {
		return
	}
	before, _, _ := purego.SyscallN(target, args...)
	arena, err := hook.NewArena(hook.WithLogger(logger(ctx)))
	if err != nil {
		return
	}
	defer func() {
		if e := arena.Destroy(); e != nil {
			err = multierror.Append(err, e)
		}
	}()
	original, err := arena.Hook(target, handler, true)
	if err != nil {
		return
	}
	after, _, _ := purego.SyscallN(target, args...)
	through, _, _ := purego.SyscallN(original, args...)
	fmt.Printf("  %-10s %d\n", "before", int64(before))
	fmt.Printf("  %-10s %d\n", "hooked", int64(after))
	fmt.Printf("  %-10s %d\n", "original", int64(through))
	if through != before {
		fail.Printf("  trampoline diverged from the unhooked call\n")
		return fmt.Errorf("original returned %d, expected %d", int64(through), int64(before))
	}
	ok.Printf("  trampoline at 0x%x, %d arena bytes used\n", original, arena.Used())
	return
}
