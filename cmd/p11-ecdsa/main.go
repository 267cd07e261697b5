package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/effective-security/p11demo/internal/cli"
	"github.com/effective-security/p11demo/internal/version"
	"github.com/effective-security/p11demo/p11"
	"github.com/effective-security/x/ctl"
)

type app struct {
	cli.Cli

	Ecdsa cli.EcdsaCmd `cmd:"" default:"withargs" help:"Initialize the token, generate EC key pair, sign and verify"`
}

func main() {
	realMain(os.Args, os.Stdout, os.Stderr, os.Exit)
}

func realMain(args []string, out io.Writer, errout io.Writer, exit func(int)) {
	cl := app{
		Cli: cli.Cli{},
	}
	cl.Cli.WithErrWriter(errout).
		WithWriter(out)

	parser, err := kong.New(&cl,
		kong.Name("p11-ecdsa"),
		kong.Description("Generates EC key pair on PKCS#11 token, signs and verifies with ECDSA"),
		kong.Writers(out, errout),
		kong.Exit(exit),
		ctl.BoolPtrMapper,
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
		kong.Vars{
			"version": version.Current().String(),
			"curves":  strings.Join(p11.CurveNames(), "|"),
		})
	if err != nil {
		panic(err)
	}

	ctx, err := parser.Parse(args[1:])
	parser.FatalIfErrorf(err)

	if ctx != nil {
		if cl.Debug {
			// in DEBUG more print command line
			_, _ = fmt.Fprintf(ctx.Stdout, "#\n# %s\n#\n", strings.Join(args, " "))
		}
		err = ctx.Run(&cl.Cli)
		ctx.FatalIfErrorf(err)
	}
}
