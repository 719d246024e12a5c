package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"mbus-master-utils/src/server"
	"mbus-master-utils/src/server/config"
	"mbus-master-utils/src/server/discovery"
	"mbus-master-utils/src/server/master"
	"mbus-master-utils/src/server/meters"
	"mbus-master-utils/src/server/publish"
	"mbus-master-utils/src/server/tcp"
	"mbus-master-utils/src/server/util"
)

const version = "1.0.0"

type App struct {
	meters    *meters.Service
	tcpServer *tcp.TCPServer
	publisher publish.Publisher
	started   time.Time
	saveLink  func(config.LinkConfig) error
	log       zerolog.Logger
}

func NewApp(cfg config.Config, logger zerolog.Logger) *App {
	var pub publish.Publisher = publish.NoopPublisher{}
	if cfg.MQTT.Broker != "" {
		p, err := publish.NewMQTTPublisher(publish.Options{
			Broker:      cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			QoS:         cfg.MQTT.QoS,
			DeviceID:    cfg.DeviceID,
		}, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("mqtt publishing disabled")
		} else {
			pub = p
		}
	}

	m := master.New(master.WithLogger(logger))
	app := newApp(m, pub, logger)

	app.tcpServer = tcp.NewTCPServer(cfg.TCPPort, app.meters, version, cfg.ServeExternally, logger)
	if err := app.tcpServer.Start(); err != nil {
		logger.Warn().Err(err).Msg("failed to start TCP server")
		app.tcpServer = nil
	}

	if cfg.Link.AutoOpen {
		link := linkFromConfig(cfg.Link)
		if link.Transport == master.TransportSerial && link.Device == "" {
			link.Device = server.DefaultSerialPort(master.DefaultSerialDevice)
		}
		if err := app.meters.Open(link); err != nil {
			logger.Warn().Err(err).Stringer("link", link).Msg("auto open failed")
		}
		app.meters.SetAutoOpen(&link)
	}
	return app
}

func newApp(m *master.Master, pub publish.Publisher, logger zerolog.Logger) *App {
	return &App{
		meters:    meters.NewService(m, discovery.NewRegistry(), pub, logger),
		publisher: pub,
		started:   time.Now(),
		saveLink:  config.SetLink,
		log:       logger.With().Str("component", "http").Logger(),
	}
}

func linkFromConfig(c config.LinkConfig) master.Link {
	return master.Link{
		Transport: master.TransportKind(c.Transport),
		Device:    c.SerialPort,
		BaudRate:  c.BaudRate,
		Host:      c.Host,
		Port:      c.Port,
		Timeout:   time.Duration(c.TimeoutSeconds * float64(time.Second)),
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// statusFor maps an operation error to an HTTP status code.
func statusFor(err error) int {
	switch master.KindOf(err) {
	case master.KindNotConnected:
		return http.StatusServiceUnavailable
	case master.KindBusy, master.KindAddressInUse, master.KindAddressCollision, master.KindAlreadyConnected:
		return http.StatusConflict
	case master.KindAddressNotFound:
		return http.StatusNotFound
	case master.KindInvalidAddress, master.KindInvalidTargetAddress, master.KindInvalidPort:
		return http.StatusBadRequest
	case master.KindNoReply:
		return http.StatusGatewayTimeout
	case master.KindUnknown:
		if errors.Is(err, context.DeadlineExceeded) {
			return http.StatusGatewayTimeout
		}
		return http.StatusInternalServerError
	}
	return http.StatusBadGateway
}

func (app *App) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	app.log.Debug().Err(err).Int("status", status).Msg("request failed")
	writeJSON(w, status, map[string]string{
		"error": err.Error(),
		"kind":  master.KindOf(err).String(),
	})
}

func (app *App) rootHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"service": "mbus-master-api",
		"version": version,
		"uptime":  server.FormatUptime(time.Since(app.started)),
	})
}

func (app *App) statusHandler(w http.ResponseWriter, r *http.Request) {
	tcpConnected := app.tcpServer != nil && app.tcpServer.IsConnected()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":       app.meters.Status(),
		"tcpConnected": tcpConnected,
	})
}

func (app *App) openHandler(w http.ResponseWriter, r *http.Request) {
	var req config.LinkConfig
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}
	if req.Transport == "" {
		req.Transport = string(master.TransportSerial)
	}
	if err := app.meters.Open(linkFromConfig(req)); err != nil {
		app.writeError(w, err)
		return
	}
	if err := app.saveLink(req); err != nil {
		app.log.Warn().Err(err).Msg("failed to persist link")
	}
	writeJSON(w, http.StatusOK, app.meters.Status())
}

func (app *App) closeHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := app.meters.Close(ctx); err != nil {
		app.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (app *App) metersHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"meters": app.meters.Meters()})
}

func (app *App) meterHandler(w http.ResponseWriter, r *http.Request) {
	maxFrames := master.MaxFrames
	if v := r.URL.Query().Get("max_frames"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid max_frames"})
			return
		}
		maxFrames = n
	}
	doc, err := app.meters.GetFrames(r.Context(), mux.Vars(r)["address"], maxFrames)
	if err != nil {
		app.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	w.Write([]byte(doc))
}

func (app *App) scanHandler(w http.ResponseWriter, r *http.Request) {
	mask := r.URL.Query().Get("mask")
	if mask == "" {
		mask = master.FullMask
	}
	found, err := app.meters.ScanRange(r.Context(), mask, nil)
	if err != nil {
		app.writeError(w, err)
		return
	}
	if found == nil {
		found = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"addresses": found,
		"raw":       master.FormatAddressList(found),
	})
}

func (app *App) primaryAddressHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Address *int `json:"address"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Address == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}
	if err := app.meters.SetPrimaryID(r.Context(), mux.Vars(r)["address"], *req.Address); err != nil {
		app.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (app *App) portsHandler(w http.ResponseWriter, r *http.Request) {
	ports, err := server.ListSerialPorts()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ports": ports})
}

func (app *App) router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/", app.rootHandler).Methods("GET")
	r.HandleFunc("/api/mbus", app.statusHandler).Methods("GET")
	r.HandleFunc("/api/mbus/open", app.openHandler).Methods("POST")
	r.HandleFunc("/api/mbus/close", app.closeHandler).Methods("POST")
	r.HandleFunc("/api/mbus/scan", app.scanHandler).Methods("POST")
	r.HandleFunc("/api/mbus/meters", app.metersHandler).Methods("GET")
	r.HandleFunc("/api/mbus/meters/{address}", app.meterHandler).Methods("GET")
	r.HandleFunc("/api/mbus/meters/{address}/primary-address", app.primaryAddressHandler).Methods("POST")
	r.HandleFunc("/api/ports", app.portsHandler).Methods("GET")
	return r
}

func main() {
	os.Args[0] = "mbus-utils"

	cfg := config.Get()
	logger := util.NewLogger(cfg.LogLevel)

	app := NewApp(cfg, logger)
	defer app.publisher.Close()

	logger.Info().Str("addr", cfg.HTTPAddr).Str("version", version).Msg("M-Bus master API starting")
	if err := http.ListenAndServe(cfg.HTTPAddr, app.router()); err != nil {
		logger.Fatal().Err(err).Msg("http server")
	}
}
