// Package organizer moves finished rips into their library locations.
package organizer

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"spool/internal/logging"
	"spool/internal/services"
)

// Policy decides what happens when the destination already exists.
type Policy string

const (
	PolicyAsk       Policy = "ask"
	PolicyOverwrite Policy = "overwrite"
	PolicyRename    Policy = "rename"
	PolicySkip      Policy = "skip"
)

// ErrNeedsReview is returned under the ask policy when a destination
// conflict requires operator input.
var ErrNeedsReview = errors.New("destination exists, review required")

// Organizer owns the library roots and the conflict policy.
type Organizer struct {
	moviesRoot string
	tvRoot     string
	policy     Policy
	logger     *slog.Logger
}

func New(moviesRoot, tvRoot string, policy Policy, logger *slog.Logger) *Organizer {
	switch policy {
	case PolicyAsk, PolicyOverwrite, PolicyRename, PolicySkip:
	default:
		policy = PolicyRename
	}
	return &Organizer{
		moviesRoot: moviesRoot,
		tvRoot:     tvRoot,
		policy:     policy,
		logger:     logging.Component(logger, "organizer"),
	}
}

var episodePattern = regexp.MustCompile(`(?i)^S(\d{2})E(\d{2})$`)

// PlaceEpisode files src as <tv_root>/<Show>/Season NN/<Show> - SNNENN.mkv.
func (o *Organizer) PlaceEpisode(src, show, episodeCode string) (string, error) {
	match := episodePattern.FindStringSubmatch(strings.TrimSpace(episodeCode))
	if match == nil {
		return "", services.Wrap(services.ErrValidation, "organizer", "place",
			fmt.Sprintf("malformed episode code %q", episodeCode), nil)
	}
	season, _ := strconv.Atoi(match[1])

	showName := sanitizeName(show)
	dest := filepath.Join(o.tvRoot, showName,
		fmt.Sprintf("Season %02d", season),
		fmt.Sprintf("%s - %s.mkv", showName, strings.ToUpper(episodeCode)))
	return o.place(src, dest)
}

// PlaceTVExtra files src under the season's Extras directory as
// "<Show> Disc N Extras M.mkv".
func (o *Organizer) PlaceTVExtra(src, show string, season, disc, ordinal int) (string, error) {
	showName := sanitizeName(show)
	dest := filepath.Join(o.tvRoot, showName,
		fmt.Sprintf("Season %02d", season), "Extras",
		fmt.Sprintf("%s Disc %d Extras %d.mkv", showName, disc, ordinal))
	return o.place(src, dest)
}

// PlaceMovie files src as <movie_root>/<Title (YYYY)>/<Title (YYYY)>.mkv,
// appending the edition tag when present.
func (o *Organizer) PlaceMovie(src, title string, year int, edition string) (string, error) {
	base := sanitizeName(title)
	if year > 0 {
		base = fmt.Sprintf("%s (%d)", base, year)
	}
	filename := base
	if edition = strings.TrimSpace(edition); edition != "" {
		filename = fmt.Sprintf("%s - %s", base, sanitizeName(edition))
	}
	dest := filepath.Join(o.moviesRoot, base, filename+".mkv")
	return o.place(src, dest)
}

// PlaceMovieExtra files src under the movie's Extras directory.
func (o *Organizer) PlaceMovieExtra(src, title string, year, ordinal int) (string, error) {
	base := sanitizeName(title)
	if year > 0 {
		base = fmt.Sprintf("%s (%d)", base, year)
	}
	dest := filepath.Join(o.moviesRoot, base, "Extras",
		fmt.Sprintf("Extra %d.mkv", ordinal))
	return o.place(src, dest)
}

// place applies the conflict policy and moves src to dest, returning the
// final path.
func (o *Organizer) place(src, dest string) (string, error) {
	if _, err := os.Stat(src); err != nil {
		return "", services.Wrap(services.ErrNotFound, "organizer", "place", "source file missing", err)
	}

	resolved, proceed, err := o.resolveConflict(dest)
	if err != nil {
		return "", err
	}
	if !proceed {
		// skip keeps the existing library file; the staged rip is left for
		// job cleanup.
		o.logger.Info("destination exists, skipping",
			logging.String("dest", dest))
		return resolved, nil
	}

	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return "", services.Wrap(services.ErrExternalTool, "organizer", "place", "create library directory", err)
	}
	if err := moveFile(src, resolved); err != nil {
		return "", services.Wrap(services.ErrExternalTool, "organizer", "place", "move into library", err)
	}
	o.logger.Info("organized file",
		logging.String("src", src),
		logging.String("dest", resolved))
	return resolved, nil
}

func (o *Organizer) resolveConflict(dest string) (string, bool, error) {
	if _, err := os.Stat(dest); errors.Is(err, os.ErrNotExist) {
		return dest, true, nil
	}

	switch o.policy {
	case PolicyOverwrite:
		if err := os.Remove(dest); err != nil {
			return "", false, services.Wrap(services.ErrExternalTool, "organizer", "place", "remove existing destination", err)
		}
		return dest, true, nil
	case PolicyRename:
		ext := filepath.Ext(dest)
		stem := strings.TrimSuffix(dest, ext)
		for version := 2; version < 100; version++ {
			candidate := fmt.Sprintf("%s (v%d)%s", stem, version, ext)
			if _, err := os.Stat(candidate); errors.Is(err, os.ErrNotExist) {
				return candidate, true, nil
			}
		}
		return "", false, services.Wrap(services.ErrExternalTool, "organizer", "place", "no free versioned name", nil)
	case PolicySkip:
		return dest, false, nil
	default: // ask
		return "", false, ErrNeedsReview
	}
}

// moveFile renames src to dest, falling back to copy+remove across
// filesystem boundaries.
func moveFile(src, dest string) error {
	err := os.Rename(src, dest)
	if err == nil {
		return nil
	}
	if !errors.Is(err, unix.EXDEV) {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dest)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(dest)
		return err
	}
	return os.Remove(src)
}

var unsafeChars = strings.NewReplacer(
	"/", "-", "\\", "-", ":", "-", "*", "", "?", "",
	"\"", "", "<", "", ">", "", "|", "",
)

func sanitizeName(name string) string {
	return strings.TrimSpace(unsafeChars.Replace(name))
}
