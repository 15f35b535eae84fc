package main

import (
	"flag"
	"fmt"
	"os"

	"Leech/torrent"

	"github.com/mitchellh/colorstring"
	log "github.com/sirupsen/logrus"
)

func usage() {
	fmt.Fprintf(os.Stderr, `Usage:
  %[1]s info <torrent>
  %[1]s peers --torrent <torrent>
  %[1]s download --output <path> <torrent>
`, os.Args[0])
	os.Exit(1)
}

func main() {
	log.SetLevel(log.WarnLevel)
	if os.Getenv("LEECH_DEBUG") != "" {
		log.SetLevel(log.DebugLevel)
	}

	if len(os.Args) < 2 {
		usage()
	}

	var err error
	switch os.Args[1] {
	case "info":
		err = runInfo(os.Args[2:])
	case "peers":
		err = runPeers(os.Args[2:])
	case "download":
		err = runDownload(os.Args[2:])
	default:
		usage()
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", colorstring.Color("[red]error:[reset]"), err)
		os.Exit(1)
	}
}

func runInfo(args []string) error {
	if len(args) < 1 {
		usage()
	}

	Torrent, err := torrent.SetTorrentFile(args[0])
	if err != nil {
		return err
	}

	fmt.Printf("Tracker URL: %s\n", Torrent.Announce)
	fmt.Printf("Length: %d\n", Torrent.GetTotalSize())
	fmt.Printf("Info Hash: %x\n", Torrent.Info.InfoHash)
	fmt.Printf("Piece Length: %d\n", Torrent.Info.PieceLength)
	fmt.Println("Piece Hashes:")

	for _, hash := range Torrent.PieceHashes {
		fmt.Printf("%x\n", hash)
	}

	return nil
}

func runPeers(args []string) error {
	fs := flag.NewFlagSet("peers", flag.ExitOnError)
	path := fs.String("torrent", "", "path to the .torrent file")
	fs.Parse(args)

	if *path == "" {
		if fs.NArg() < 1 {
			usage()
		}
		*path = fs.Arg(0)
	}

	Torrent, err := torrent.SetTorrentFile(*path)
	if err != nil {
		return err
	}

	peers, err := torrent.FindConnections(Torrent)
	if err != nil {
		return err
	}

	for _, peer := range peers {
		fmt.Println(peer)
	}

	return nil
}

func runDownload(args []string) error {
	fs := flag.NewFlagSet("download", flag.ExitOnError)
	output := fs.String("output", "", "output file (single-file) or directory (multi-file)")
	fs.Parse(args)

	if *output == "" || fs.NArg() < 1 {
		usage()
	}

	path := fs.Arg(0)

	Torrent, err := torrent.SetTorrentFile(path)
	if err != nil {
		return err
	}

	addrs, err := torrent.FindConnections(Torrent)
	if err != nil {
		return err
	}

	peers := Torrent.ConnectToPeers(addrs)
	defer func() {
		for _, peer := range peers {
			peer.Close()
		}
	}()

	content, err := Torrent.DownloadAll(peers)
	if err != nil {
		return err
	}

	err = Torrent.WriteContent(content, *output)
	if err != nil {
		return err
	}

	fmt.Println(colorstring.Color(fmt.Sprintf("[green]Downloaded %s to %s.", path, *output)))

	return nil
}
