package main

import (
	"context"
	"encoding/base64"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kryptco/krypton-go/auditlog"
	"github.com/kryptco/krypton-go/config"
	"github.com/kryptco/krypton-go/keys"
	"github.com/kryptco/krypton-go/kr"
	"github.com/kryptco/krypton-go/policy"
	"github.com/kryptco/krypton-go/session"
	"github.com/kryptco/krypton-go/silo"
	"github.com/kryptco/krypton-go/teams"
	"github.com/kryptco/krypton-go/transport"
	"github.com/kryptco/krypton-go/transport/redisq"
	"github.com/kryptco/krypton-go/transport/wsrelay"
	"github.com/kryptco/krypton-go/vault"
	"github.com/kryptco/krypton-go/wire"
)

// Agent is the fully assembled daemon: every service constructed once here
// and passed by reference, no ambient globals.
type Agent struct {
	kr.Logger

	cfg config.Config

	vault    vault.Vault
	audit    auditlog.Store
	registry *session.Registry
	policy   *policy.Store
	silo     *silo.Silo
	router   *transport.Router

	redisClient *redis.Client
}

// NewAgent loads config and assembles the service graph bottom-up: stores,
// key managers, policy, arbitration engine, then transport.
func NewAgent(inConfigPath, inDataDirOverride string) (*Agent, error) {

	cfg, err := config.Load(inConfigPath)
	if err != nil {
		return nil, err
	}
	if inDataDirOverride != "" {
		cfg.DataDir = inDataDirOverride
	}

	agent := &Agent{
		Logger: kr.NewLogger("kragentd"),
		cfg:    cfg,
	}

	_, vaultDir, auditDir, err := cfg.SetupDataDir()
	if err != nil {
		return nil, err
	}

	if agent.vault, err = vault.OpenBadgerVault(vaultDir); err != nil {
		return nil, err
	}
	if agent.audit, err = auditlog.OpenBadgerStore(auditDir); err != nil {
		return nil, err
	}

	if agent.registry, err = session.NewRegistry(agent.vault); err != nil {
		return nil, err
	}
	agent.policy = policy.NewStore(agent.vault)

	keyManager, err := keys.NewKeyManager(agent.vault)
	if err != nil {
		return nil, err
	}
	pgp, err := keys.NewPGPKeyManager(agent.vault, keyManager.Email())
	if err != nil {
		return nil, err
	}

	teamService, err := teams.NewService(agent.vault, newHTTPConsensus())
	if err != nil {
		return nil, err
	}

	agent.silo = silo.NewSilo(silo.Params{
		Registry:   agent.registry,
		Policy:     agent.policy,
		AuditLog:   agent.audit,
		Keys:       keyManager,
		PGP:        pgp,
		KnownHosts: keys.NewKnownHostManager(agent.vault),
		U2F:        keys.NewU2FKeyManager(agent.vault),
		Teams:      teamService,
		Vault:      agent.vault,
		Notifier:   newLogNotifier(),
		TrackingID: cfg.TrackingID,
	})

	agent.router = transport.NewRouter(agent.registry)
	agent.router.SetHandler(agent.silo)
	agent.silo.SetSender(agent.router)

	// approval decisions flow back through the same category locks as
	// freshly arrived requests
	agent.policy.SetResponder(agent.respondToDecision)

	return agent, nil
}

// Startup registers the configured media; each one binds every live session.
func (a *Agent) Startup() error {

	a.router.AddMedium(wsrelay.NewMedium(a.cfg.RelayURL, a.router))

	if a.cfg.RedisAddr != "" {
		a.redisClient = redis.NewClient(&redis.Options{
			Addr:     a.cfg.RedisAddr,
			Password: a.cfg.RedisPassword,
		})
		a.router.AddMedium(redisq.NewMedium(a.redisClient, a.router))
	}

	if a.cfg.BluetoothEnabled {
		// the GATT adapter needs a platform peripheral binding; none ships
		// for headless builds, so the medium stays off here
		a.Infof(0, "bluetooth enabled in config but no peripheral stack on this platform")
	}

	a.Infof(0, "agent up, %d session(s) live", len(a.registry.All()))
	return nil
}

// PairWorkstation creates a pairing from a QR payload ("name,base64 public
// key"), registers the session, broadcasts the wrapped key, and waits for the
// workstation's first message.
func (a *Agent) PairWorkstation(inQRPayload string) error {

	name, keyB64, found := strings.Cut(inQRPayload, ",")
	if !found {
		return kr.Error(nil, kr.ParamMissing, "pair payload must be 'name,base64-public-key'")
	}
	keyBytes, err := base64.StdEncoding.DecodeString(keyB64)
	if err != nil || len(keyBytes) != 32 {
		return kr.Error(err, kr.BadKeyFormat, "workstation public key must be 32 base64 bytes")
	}
	var workstationKey [32]byte
	copy(workstationKey[:], keyBytes)

	pairing, err := session.NewPairing(a.vault, name, workstationKey, kr.CurrentVersion, nil)
	if err != nil {
		return err
	}
	sess, err := session.NewSession(pairing)
	if err != nil {
		return err
	}
	if err = a.registry.Add(sess, false); err != nil {
		return err
	}

	if err = a.router.Pair(sess); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	if !a.router.WaitForPairing(ctx, sess) {
		a.Warnf("workstation %v has not spoken yet; pairing stays registered", name)
		return nil
	}
	a.Infof(0, "paired with %v", pairing.DisplayName())
	return nil
}

// respondToDecision turns a user approval or rejection into a response and
// sends it over every medium bound to the session.
func (a *Agent) respondToDecision(inSessionID string, inRequest *wire.Request, inAllowed bool) {

	sess := a.registry.Lookup(inSessionID)
	if sess == nil {
		a.Warnf("decision for vanished session %v", inSessionID)
		return
	}

	resp, err := a.silo.LockResponseFor(inRequest, sess, inAllowed)
	a.silo.RemovePending(inRequest, sess)
	if err != nil {
		a.Warnf("decision for request %v did not produce a response: %v", inRequest.ID, err)
		return
	}

	if err = a.router.Send(resp, sess); err != nil {
		a.Warnf("decision response for request %v did not send: %v", inRequest.ID, err)
	}
}

// Shutdown releases transport and storage in reverse assembly order.
func (a *Agent) Shutdown() {
	a.router.WillEnterBackground()

	if a.redisClient != nil {
		a.redisClient.Close()
	}
	if err := a.audit.Close(); err != nil {
		a.Warnf("audit store close: %v", err)
	}
	if err := a.vault.Close(); err != nil {
		a.Warnf("vault close: %v", err)
	}
	a.Infof(0, "agent down")
}
