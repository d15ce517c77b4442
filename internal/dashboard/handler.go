package dashboard

import (
	"log"
	"time"

	"github.com/ktec-smt/aoirecord/internal/session"
)

// StatusData is one operator status message.
type StatusData struct {
	Time      time.Time `json:"time"`
	Level     string    `json:"level"`
	Source    string    `json:"source"`
	Message   string    `json:"message"`
	Connected bool      `json:"connected"`
}

// SessionData summarizes the open session.
type SessionData struct {
	Phase           string `json:"phase"`
	User            string `json:"user,omitempty"`
	LotNumber       string `json:"lot_number,omitempty"`
	ItemCode        string `json:"item_code,omitempty"`
	LineName        string `json:"line_name,omitempty"`
	BoardIndex      int    `json:"board_index"`
	TotalBoards     int    `json:"total_boards"`
	Defects         int    `json:"defects"`
	BoardDefects    int    `json:"board_defects"`
	Unsynced        int    `json:"unsynced"`
	RemoteConnected bool   `json:"remote_connected"`
	LocalReady      bool   `json:"local_ready"`
	ScheduleStatus  string `json:"schedule_status"`
}

// Summarize builds the session summary of st.
func Summarize(st session.State) SessionData {
	d := SessionData{
		Phase:           st.Phase.String(),
		User:            st.UserName,
		LotNumber:       st.LotNumber,
		ItemCode:        st.ItemCode,
		LineName:        st.LineName,
		BoardIndex:      st.BoardIndex,
		TotalBoards:     st.TotalBoards,
		Defects:         len(st.Defects),
		RemoteConnected: st.RemoteConnected,
		LocalReady:      st.LocalReady,
		ScheduleStatus:  st.ScheduleStatus,
	}
	for _, def := range st.Defects {
		if def.BoardIndex == st.BoardIndex {
			d.BoardDefects++
		}
		if def.RemoteID == "" {
			d.Unsynced++
		}
	}
	return d
}

// Handler turns session statuses into dashboard messages. It implements
// session.StatusSink.
type Handler struct {
	server *Server
	logger *log.Logger
}

// NewHandler creates a new event handler connected to a dashboard server
func NewHandler(server *Server, logger *log.Logger) *Handler {
	if logger == nil {
		logger = server.logger
	}
	return &Handler{server: server, logger: logger}
}

// Notify broadcasts a status message.
func (h *Handler) Notify(st session.Status) {
	data := &StatusData{
		Time:      st.Time,
		Level:     string(st.Level),
		Source:    st.Source,
		Message:   st.Message,
		Connected: st.Connected,
	}

	h.server.lastMu.Lock()
	h.server.lastStatus = data
	h.server.lastMu.Unlock()

	msg, err := newMessage(MessageTypeStatus, data)
	if err != nil {
		h.logger.Printf("Failed to marshal status: %v", err)
		return
	}
	h.server.Broadcast(msg)
}

// OnState broadcasts the session summary of st.
func (h *Handler) OnState(st session.State) {
	data := Summarize(st)

	h.server.lastMu.Lock()
	h.server.lastSession = &data
	h.server.lastMu.Unlock()

	msg, err := newMessage(MessageTypeSession, data)
	if err != nil {
		h.logger.Printf("Failed to marshal session: %v", err)
		return
	}
	h.server.Broadcast(msg)
}

// StoreData summarizes a record store.
type StoreData struct {
	Path       string `json:"path"`
	Defects    int    `json:"defects"`
	Repairs    int    `json:"repairs"`
	Tombstones int    `json:"tombstones"`
	Lots       int    `json:"lots"`
}

// OnStore broadcasts a store summary.
func (h *Handler) OnStore(d StoreData) {
	msg, err := newMessage(MessageTypeStore, d)
	if err != nil {
		h.logger.Printf("Failed to marshal store summary: %v", err)
		return
	}
	h.server.Broadcast(msg)
}
