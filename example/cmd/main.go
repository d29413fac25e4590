package main

import (
	"context"
	"flag"
	"fmt"
	"io/ioutil"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/prometheus/client_golang/prometheus"

	client "github.com/tuftrust/client"
	"github.com/tuftrust/client/tuf"
)

func main() {
	var (
		baseDir   = flag.String("base-directory", "./", "the directory where all the things are")
		flRepo    = flag.String("filerepo", "filerepo", "path to file repo which will serve static assets")
		mirrorURL = flag.String("mirror-url", "http://localhost:8888/repo", "base URL of the TUF repository mirror")
		flName    = flag.String("package-name", "greeter", "logical name of the package to watch")
		flVersion = flag.String("package-version", "latest", "version of the package to watch")
		flDownoad = flag.Bool("download", false, "download the named package after the first refresh")
	)
	flag.Parse()

	logger := log.NewLogfmtLogger(os.Stderr)

	settings := tuf.Settings{
		LocalRepoPath: filepath.Join(*baseDir, "repo"),
	}

	repo, err := tuf.NewHTTPRepository(settings.LocalRepoPath, *mirrorURL, settings, logger)
	if err != nil {
		fmt.Printf("could not create repository: %q\n", err)
		os.Exit(1)
	}

	engine, err := tuf.NewEngine(repo, settings, tuf.NewMetrics(prometheus.DefaultRegisterer))
	if err != nil {
		fmt.Printf("could not create engine: %q\n", err)
		os.Exit(1)
	}

	updateHandler := func(evts client.Events) {
		for _, e := range evts.History {
			fmt.Printf("%s: %s\n", e.Time.Format(time.RFC3339), e.Description)
		}
	}

	c, err := client.New(engine, client.Frequency(10*time.Minute), client.WantNotifications(updateHandler))
	if err != nil {
		fmt.Printf("could not create client: %q\n", err)
		os.Exit(1)
	}

	// serve the static files from a local mirror
	go func() {
		http.Handle("/", staticStaticRepo("/repo/", *flRepo))
		fmt.Println(http.ListenAndServe(":8888", nil))
	}()

	c.Start()
	defer c.Stop()

	if err := engine.Refresh(context.Background()); err != nil {
		fmt.Printf("initial refresh failed: %q\n", err)
		os.Exit(1)
	}

	if *flDownoad {
		f, err := ioutil.TempFile(os.TempDir(), "package-download")
		if err != nil {
			fmt.Printf("could not create temp file: %q\n", err)
			os.Exit(1)
		}
		defer f.Close()
		fmt.Printf("downloading %s/%s to %s\n", *flName, *flVersion, f.Name())
		if err := c.Download(context.Background(), *flName, *flVersion, f); err != nil {
			fmt.Printf("download failed: %q\n", err)
			os.Exit(1)
		}
	}

	fmt.Print("Hit enter to stop me: ")
	fmt.Scanln()

	fmt.Println("done...")
}

func staticStaticRepo(prefix, dir string) http.Handler {
	return http.StripPrefix(prefix, http.FileServer(http.Dir(dir)))
}
