package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	log "github.com/sirupsen/logrus"
	"go.bug.st/serial"

	"github.com/pwurbs/pylon2mqtt/pylon"
)

const (
	PayloadOnline  = "Online"
	PayloadOffline = "Offline"

	// publishTimeout bounds how long a publish may block the poll loop.
	publishTimeout = 5 * time.Second
	// serialReadTimeout is the port read timeout; the receiver polls on top of it.
	serialReadTimeout = 50 * time.Millisecond
)

// Global state
var (
	mqttClient mqtt.Client
	publisher  *mqttPublisher
	rateMgr    *PublishRateManager
)

func main() {
	// 1. Load Configuration
	loadConfig()
	setupLogging()

	log.Info("Starting Pylontech to MQTT Bridge")
	if version != "" {
		pylon.SoftwareVersion = version
	}

	// 2. Publish rate, metrics
	rateMgr = NewPublishRateManager(config.wakePublishRate(), config.StayAwake)
	startMetricsServer(config.MetricsAddr)

	// 3. Setup MQTT
	setupMQTT()

	// 4. Serial & poll loop
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		serialLoop(stop)
	}()

	// 5. Handle Signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Info("Shutting down...")
	close(stop)
	<-done

	publisher.Offline()
	mqttClient.Disconnect(250)
}

// version is set at build time with -ldflags "-X main.version=...".
var version string

func setupLogging() {
	lvl, err := log.ParseLevel(config.LogLevel)
	if err != nil {
		lvl = log.InfoLevel
	}
	log.SetLevel(lvl)
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.Infof("Log level set to: %s", lvl)
}

func setupMQTT() {
	root := config.rootTopicPrefix()

	opts := mqtt.NewClientOptions()
	opts.AddBroker(config.MQTTBroker)
	if config.MQTTUser != "" {
		opts.SetUsername(config.MQTTUser)
		opts.SetPassword(config.MQTTPass)
	}
	opts.SetClientID(clientID(config.BankName))
	opts.SetAutoReconnect(true)
	opts.SetWill(root+"/tele/LWT", PayloadOffline, 0, true)
	opts.SetOnConnectHandler(onMQTTConnect)
	opts.SetConnectionLostHandler(func(c mqtt.Client, err error) {
		log.Warnf("MQTT connection lost: %v", err)
	})

	mqttClient = mqtt.NewClient(opts)
	publisher = newMQTTPublisher(mqttClient, root, config.uniqueID(), config.BankName)
	if token := mqttClient.Connect(); token.Wait() && token.Error() != nil {
		log.Warn("Could not connect to MQTT initially, will retry in background: ", token.Error())
	}
}

// onMQTTConnect runs after every (re)connect: it resubscribes, restores the
// availability state and wakes the publish rate.
func onMQTTConnect(c mqtt.Client) {
	log.Info("Connected to MQTT Broker")
	c.Subscribe(publisher.RootTopicPrefix()+"/cmnd/#", 0, handleMQTTCommand)
	publisher.republishOnline()
	rateMgr.Wake()
}

func clientID(bank string) string {
	return "pylon2mqtt_" + topicSafe(bank)
}

// handleMQTTCommand handles <root>/cmnd/# payloads.
func handleMQTTCommand(client mqtt.Client, msg mqtt.Message) {
	log.Infof("Received command on %s: %s", msg.Topic(), msg.Payload())
	if err := rateMgr.HandleCommand(msg.Payload()); err != nil {
		log.Warnf("MQTT command ignored: %v", err)
	}
}

// mqttPublisher implements pylon.Publisher on a paho client.
type mqttPublisher struct {
	client   mqtt.Client
	root     string
	uniqueID string
	thing    string

	mutex  sync.Mutex
	online bool
}

func newMQTTPublisher(client mqtt.Client, root, uniqueID, thing string) *mqttPublisher {
	return &mqttPublisher{client: client, root: root, uniqueID: uniqueID, thing: thing}
}

func (p *mqttPublisher) RootTopicPrefix() string { return p.root }
func (p *mqttPublisher) UniqueID() string        { return p.uniqueID }
func (p *mqttPublisher) ThingName() string       { return p.thing }

func (p *mqttPublisher) Publish(subtopic string, payload []byte, retained bool) bool {
	return p.publish(fmt.Sprintf("%s/stat/%s", p.root, subtopic), payload, retained)
}

func (p *mqttPublisher) PublishDiscovery(packName string, doc []byte) bool {
	topic := fmt.Sprintf("homeassistant/device/%s_%s/config", topicSafe(p.thing), packName)
	return p.publish(topic, doc, true)
}

// Online marks the bridge available. It is repeated after every reconnect.
func (p *mqttPublisher) Online() {
	p.mutex.Lock()
	p.online = true
	p.mutex.Unlock()
	p.publish(p.root+"/tele/LWT", []byte(PayloadOnline), true)
}

func (p *mqttPublisher) republishOnline() {
	p.mutex.Lock()
	online := p.online
	p.mutex.Unlock()
	if online {
		p.publish(p.root+"/tele/LWT", []byte(PayloadOnline), true)
	}
}

// Offline is published on a clean shutdown, where the broker sends no will.
func (p *mqttPublisher) Offline() {
	p.publish(p.root+"/tele/LWT", []byte(PayloadOffline), true)
}

func (p *mqttPublisher) publish(topic string, payload []byte, retained bool) bool {
	if !p.client.IsConnectionOpen() {
		log.Warnf("MQTT not connected, dropping %s", topic)
		return false
	}
	token := p.client.Publish(topic, 0, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		log.Errorf("MQTT publish to %s timed out", topic)
		return false
	}
	if err := token.Error(); err != nil {
		log.Errorf("MQTT publish to %s failed: %v", topic, err)
		return false
	}
	log.Debugf("MQTT PUB %s: %s", topic, payload)
	return true
}

// topicSafe maps s to the characters Home Assistant accepts in object ids.
func topicSafe(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		}
		return '_'
	}, s)
}

// serialLoop opens the port and polls the BMS until stop is closed,
// reopening the port whenever it fails.
func serialLoop(stop <-chan struct{}) {
	codec := &pylon.Codec{Version: config.protocolVersion()}
	timeout := config.receiveTimeout()

	for {
		mode := &serial.Mode{
			BaudRate: config.BaudRate,
			DataBits: 8,
			Parity:   serial.NoParity,
			StopBits: serial.OneStopBit,
		}
		port, err := serial.Open(config.SerialPort, mode)
		if err != nil {
			log.Errorf("Failed to open serial port %s: %v. Retrying in 5s...", config.SerialPort, err)
			if sleepOrStop(stop, 5*time.Second) {
				return
			}
			continue
		}
		log.Infof("Opened serial port %s at %d baud", config.SerialPort, config.BaudRate)

		if err := port.SetReadTimeout(serialReadTimeout); err != nil {
			log.Warnf("Failed to set serial read timeout: %v", err)
		}
		// Clear any garbage left on the line
		port.ResetInputBuffer()

		rx := pylon.NewFrameReceiver(port, pylon.DefaultBufferSize)
		seq := pylon.NewSequencer(codec, rx, publisher)
		err = pollLoop(seq, rx, rateMgr, timeout, stop)
		port.Close()
		if err == nil {
			return
		}

		log.Warnf("Serial connection lost: %v. Reconnecting...", err)
		if sleepOrStop(stop, 2*time.Second) {
			return
		}
	}
}

// pollLoop drives one command/response exchange per iteration and rests
// between cycles at the publish rate. It returns nil when stopped and the
// stream error when the port failed.
func pollLoop(seq *pylon.Sequencer, rx *pylon.FrameReceiver, rate *PublishRateManager, timeout time.Duration, stop <-chan struct{}) error {
	cycleStart := time.Now()
	for {
		select {
		case <-stop:
			return nil
		default:
		}

		done := seq.Transmit()
		rx.Receive(timeout)
		if err := rx.Err(); err != nil {
			return err
		}
		if !done {
			continue
		}

		rate.CycleComplete()
		wait := rate.CurrentRate() - time.Since(cycleStart)
		log.Debugf("Cycle done in %s, next in %s", time.Since(cycleStart), wait)
		if wait > 0 {
			select {
			case <-stop:
				return nil
			case <-rate.Woken():
			case <-time.After(wait):
			}
		}
		drainChannel(rate.Woken())
		cycleStart = time.Now()
	}
}

// sleepOrStop sleeps for d and reports whether stop was closed meanwhile.
func sleepOrStop(stop <-chan struct{}, d time.Duration) bool {
	select {
	case <-stop:
		return true
	case <-time.After(d):
		return false
	}
}
