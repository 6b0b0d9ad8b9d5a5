// Cloudillo
// Copyright (C) 2025 The Cloudillo Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Command cloudillod runs a Cloudillo instance. The process is
// configured entirely from the bootstrap environment (see lib/config);
// flags only control logging and diagnostics.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/alecthomas/kingpin/v2"
	"github.com/gravitational/trace"

	"github.com/cloudillo/cloudillo"
	"github.com/cloudillo/cloudillo/lib/config"
	"github.com/cloudillo/cloudillo/lib/service"
	"github.com/cloudillo/cloudillo/lib/utils"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "error:", trace.UserMessage(err))
		os.Exit(1)
	}
}

func run(args []string) error {
	app := kingpin.New("cloudillod", "Cloudillo federated personal cloud server.")
	logLevel := app.Flag("log-level", "Log level: debug, info, warn or error.").Default("info").String()
	logFormat := app.Flag("log-format", "Log format: text or json.").Default("text").String()

	start := app.Command("start", "Start the instance.").Default()
	version := app.Command("version", "Print the version and exit.")

	cmd, err := app.Parse(args)
	if err != nil {
		return trace.Wrap(err)
	}

	switch cmd {
	case version.FullCommand():
		fmt.Println(cloudillo.Version)
		return nil
	case start.FullCommand():
	}

	if err := utils.InitLogger(*logFormat, *logLevel); err != nil {
		return trace.Wrap(err)
	}

	var cfg service.Config
	if err := config.ParseEnv(&cfg); err != nil {
		return trace.Wrap(err)
	}
	instance, err := service.New(cfg)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(instance.Run(context.Background()))
}
