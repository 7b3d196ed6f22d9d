package tools

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
)

var musicExtensions = map[string]bool{
	".mp3":  true,
	".wav":  true,
	".ogg":  true,
	".flac": true,
	".m4a":  true,
}

// PlayFileFunc streams a local audio file to the device. The session
// supplies it so playback goes through the normal speaking pipeline.
type PlayFileFunc func(ctx context.Context, path string) error

// NewPlayMusic plays a song from the local music directory. An empty or
// unmatched song name picks a random track.
func NewPlayMusic(musicDir string, play PlayFileFunc) Tool {
	return &funcTool{
		name:        "play_music",
		description: "Play music from the local library. Call with the song name the user asked for, or without one for a random song.",
		parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"song_name": map[string]any{
					"type":        "string",
					"description": "Name of the song to play",
				},
			},
		},
		execute: func(ctx context.Context, args map[string]any) (Result, error) {
			if musicDir == "" {
				return Result{Action: ActionError, Content: "music library is not configured"}, nil
			}
			tracks, err := listTracks(musicDir)
			if err != nil {
				return Result{}, fmt.Errorf("scan music dir: %w", err)
			}
			if len(tracks) == 0 {
				return Result{Action: ActionResponse, Response: "The music library is empty."}, nil
			}

			songName := stringArg(args, "song_name")
			track := matchTrack(tracks, songName)
			if track == "" {
				track = tracks[rand.Intn(len(tracks))]
			}

			if err := play(ctx, track); err != nil {
				return Result{}, fmt.Errorf("play %s: %w", filepath.Base(track), err)
			}

			title := strings.TrimSuffix(filepath.Base(track), filepath.Ext(track))
			return Result{Action: ActionResponse, Response: "Now playing " + title + "."}, nil
		},
	}
}

func listTracks(dir string) ([]string, error) {
	var tracks []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && musicExtensions[strings.ToLower(filepath.Ext(path))] {
			tracks = append(tracks, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tracks, nil
}

// matchTrack does a case-insensitive substring match on the file stem.
func matchTrack(tracks []string, songName string) string {
	if songName == "" {
		return ""
	}
	want := strings.ToLower(songName)
	for _, track := range tracks {
		stem := strings.ToLower(strings.TrimSuffix(filepath.Base(track), filepath.Ext(track)))
		if strings.Contains(stem, want) {
			return track
		}
	}
	return ""
}
