package main

import (
	"fmt"
	"os"
	"slices"

	"carbon/config"
)

func usage() {
	fmt.Println("Usage: carbon [command] [options]")
	fmt.Println("")
	fmt.Println("Commands:")
	fmt.Println("  (none), serve            Start the server described by the configuration file")
	fmt.Println("  get <url> [--json]       Send a GET request and print the response")
	fmt.Println("  ocsp <host:port> [--json]  Check the revocation status of a server's certificate chain")
	fmt.Println("  validate                 Validate the configuration file")
	fmt.Println("  config <key>             Print a setting of the configuration file, e.g. server.address")
	fmt.Println("  cert generate <host>     Generate a self-signed TLS keystore for the specified host")
	fmt.Println("  cert obtain <host>       Obtain a TLS keystore from Let's Encrypt for the specified host")
	fmt.Println("")
	fmt.Println("Options:")
	fmt.Println("  --config <path>  Use this configuration file instead of " + config.GetConfigPath())
	fmt.Println("  --version, -v    Show version information")
	fmt.Println("  --help, -h       Show this help message")
}

// configFlag removes "--config <path>" from args and returns the path.
func configFlag(args []string) ([]string, string, error) {
	i := slices.Index(args, "--config")
	if i < 0 {
		return args, "", nil
	}
	if i+1 >= len(args) {
		return nil, "", fmt.Errorf("--config needs a path")
	}
	path := args[i+1]
	return slices.Delete(slices.Clone(args), i, i+2), path, nil
}

func main() {
	args, configPath, err := configFlag(os.Args[1:])
	if err != nil {
		println(err.Error())
		os.Exit(2)
	}

	cmd := "serve"
	if len(args) > 0 {
		cmd = args[0]
		args = args[1:]
	}

	switch cmd {
	case "--version", "-v":
		fmt.Printf("Carbon version %s\n", config.VERSION)
	case "--help", "-h":
		usage()
	case "serve":
		err = serve(configPath)
	case "get":
		err = get(configPath, args)
	case "ocsp":
		err = checkOCSP(configPath, args)
	case "validate":
		err = validate(configPath)
	case "config":
		err = showConfig(configPath, args)
	case "cert":
		err = cert(configPath, args)
	default:
		println("Unknown argument:", cmd)
		usage()
		os.Exit(2)
	}
	if err != nil {
		println("Error occurred:", err.Error())
		os.Exit(1)
	}
}
