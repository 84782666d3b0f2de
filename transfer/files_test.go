package transfer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aysar1990/yas-remote-app/protocol"
)

func TestOperateValidatesOperation(t *testing.T) {
	sender := &fakeSender{}
	files := NewFileManager(FileManagerOptions{Sender: sender})

	require.NoError(t, files.Delete("/tmp/x"))
	require.NoError(t, files.Rename("/tmp/x", "y"))
	require.NoError(t, files.Copy("/tmp/x", "/tmp/y"))
	require.NoError(t, files.Move("/tmp/x", "/tmp/y"))
	require.NoError(t, files.CreateFolder("/tmp", "new"))

	err := files.Operate("format_disk", "/", "", "")
	require.Error(t, err)
	assert.Len(t, sender.sent(), 5)
}

func TestWatchTracksWatcherIDs(t *testing.T) {
	sender := &fakeSender{}
	files := NewFileManager(FileManagerOptions{Sender: sender})

	id, err := files.Watch("/home/me/docs")
	require.NoError(t, err)
	require.NotEmpty(t, id)
	assert.Equal(t, "/home/me/docs", files.Watchers()[id])

	require.NoError(t, files.Unwatch(id))
	assert.Empty(t, files.Watchers())

	frames := sender.sent()
	require.Len(t, frames, 2)
	start, ok := frames[0].(protocol.StartFileWatcher)
	require.True(t, ok)
	assert.Equal(t, id, start.WatcherID)
	stop, ok := frames[1].(protocol.StopFileWatcher)
	require.True(t, ok)
	assert.Equal(t, id, stop.WatcherID)
}

func TestFileChangedFeedIsCapped(t *testing.T) {
	files := NewFileManager(FileManagerOptions{Sender: &fakeSender{}})

	for i := 0; i < maxChangeNotifications+5; i++ {
		files.handleFileChanged(frame(t, protocol.FileChanged{
			Type:      protocol.TypeFileChanged,
			Event:     "modified",
			Path:      "/watched/file.txt",
			Timestamp: int64(i),
		}))
	}

	changes := files.Changes()
	require.Len(t, changes, maxChangeNotifications)
	// Newest first.
	assert.Equal(t, int64(maxChangeNotifications+4), changes[0].Timestamp)

	files.ClearChanges()
	assert.Empty(t, files.Changes())
}

func TestBrowseCallback(t *testing.T) {
	var got protocol.BrowseResult
	files := NewFileManager(FileManagerOptions{
		Sender:   &fakeSender{},
		OnBrowse: func(result protocol.BrowseResult) { got = result },
	})

	require.NoError(t, files.Browse("C:/Users"))
	files.handleBrowseResult(frame(t, protocol.BrowseResult{
		Type:    protocol.TypeBrowseResult,
		Success: true,
		Path:    "C:/Users",
		Items: []protocol.BrowseItem{
			{Name: "me", Path: "C:/Users/me", Kind: "folder"},
		},
	}))

	assert.True(t, got.Success)
	require.Len(t, got.Items, 1)
	assert.Equal(t, "folder", got.Items[0].Kind)
}

func TestWatchedFoldersReplacesLocalState(t *testing.T) {
	files := NewFileManager(FileManagerOptions{Sender: &fakeSender{}})

	_, err := files.Watch("/stale")
	require.NoError(t, err)

	files.handleWatchedFolders(frame(t, protocol.WatchedFolders{
		Type: protocol.TypeWatchedFolders,
		Folders: []protocol.WatchedFolder{
			{WatcherID: "w-1", Path: "/fresh"},
		},
	}))

	watchers := files.Watchers()
	require.Len(t, watchers, 1)
	assert.Equal(t, "/fresh", watchers["w-1"])
}
