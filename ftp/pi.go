package ftp

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// PIOptions configures a new PI.
type PIOptions struct {
	ID          string
	Conn        net.Conn
	Log         logrus.FieldLogger
	FS          FileSystem
	Credentials CredentialChecker
	Format      ListingFormatter
	BufSize     int
	DTPBufSize  int
	RecvBufSize int
	LocalIP     net.IP
	QueueWait   time.Duration
}

// PI is the protocol interpreter for one control connection.
type PI struct {
	id    string
	conn  net.Conn
	log   logrus.FieldLogger
	fs    FileSystem
	creds CredentialChecker
	fmtr  ListingFormatter

	bufSize     int
	dtpBufSize  int
	recvBufSize int
	localIP     net.IP
	queueWait   time.Duration

	reader *bufio.Reader

	cwd        string
	login      LoginState
	perm       Permission
	username   string
	account    *string
	renameFrom string

	transferType TransferType
	structure    Structure
	mode         TransferMode

	dataMode        DataMode
	dataPeerAddr    *net.TCPAddr
	passiveListener net.Listener

	dtpCtx    context.Context
	dtpCancel context.CancelFunc
	toDTP     chan PIToDTP
	fromDTP   chan DTPToPI
	dtpOpen   bool
}

// NewPI constructs a PI. Run must be called to drive the connection.
func NewPI(opts PIOptions) *PI {
	format := opts.Format
	if format == nil {
		format = UnixListingFormatter
	}
	bufSize := opts.RecvBufSize
	if bufSize == 0 {
		bufSize = 512
	}
	dtpBufSize := opts.DTPBufSize
	if dtpBufSize < 50 {
		dtpBufSize = 600
	}
	queueWait := opts.QueueWait
	if queueWait == 0 {
		queueWait = 50 * time.Millisecond
	}
	return &PI{
		id:          opts.ID,
		conn:        opts.Conn,
		log:         opts.Log,
		fs:          opts.FS,
		creds:       opts.Credentials,
		fmtr:        format,
		bufSize:     bufSize,
		dtpBufSize:  dtpBufSize,
		recvBufSize: bufSize,
		localIP:     opts.LocalIP,
		queueWait:   queueWait,
		reader:      bufio.NewReader(opts.Conn),
		cwd:         "/",
		login:       LoginWaitUser,
		perm:        PermNone,
		transferType: TransferType{Code: 'A'},
		structure:    Structure('F'),
		mode:         TransferMode('S'),
	}
}

// lineResult carries one control-line read back to Run, which can't
// call the blocking bufio.Reader itself once a DTP is multiplexed in.
type lineResult struct {
	line string
	err  error
}

// Run drives the PI command cycle (spec.md §4.6) until QUIT, a
// connection error, or ctx cancellation. Control-socket reads happen
// on a background goroutine and are multiplexed here against
// asynchronous DTP responses (spec.md §4.6 step 1 / §5: receive is
// blocking only while no DTP is attached, non-blocking otherwise so a
// FINISHED/EXITING_ERROR arriving mid-transfer doesn't wait for the
// client's next line).
func (p *PI) Run(ctx context.Context) error {
	defer p.teardownDTP()
	p.send("220 awaiting input.")

	lines := make(chan lineResult, 1)
	go p.readLoop(lines)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case resp := <-p.fromDTP:
			p.handleAsyncDTPResponse(resp)

		case res := <-lines:
			if res.err != nil {
				return res.err
			}
			if res.line == "" {
				p.send("500 Syntax error, command unrecognized.")
				p.drainDTPResponses()
				continue
			}

			cmd, args := parseCommand(res.line)
			p.dispatch(ctx, cmd, args)
			p.drainDTPResponses()
			if cmd == "QUIT" {
				return nil
			}
		}
	}
}

// readLoop feeds control lines to out until the connection errors.
// p.fromDTP is nil until a DTP is attached, which blocks the Run
// select's DTP case forever rather than firing spuriously.
func (p *PI) readLoop(out chan<- lineResult) {
	for {
		line, err := p.readLine()
		out <- lineResult{line: line, err: err}
		if err != nil {
			return
		}
	}
}

// handleAsyncDTPResponse applies a FINISHED/EXITING_ERROR that arrived
// while Run was waiting on the next control line rather than inside
// drainDTPResponses' post-dispatch poll.
func (p *PI) handleAsyncDTPResponse(resp DTPToPI) {
	switch resp.Kind {
	case DTPFinished:
		p.send("250 Requested file action okay, completed.")
		p.teardownDTP()
	case DTPExitingError:
		p.send("451 Requested action aborted: local error in processing.")
		p.teardownDTP()
	case DTPSuperfluous:
		p.send("250 Requested file action okay, completed.")
	}
}

func (p *PI) readLine() (string, error) {
	raw, err := p.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	if !strings.HasSuffix(raw, "\r\n") {
		return "", nil
	}
	return strings.TrimSuffix(raw, "\r\n"), nil
}

func parseCommand(line string) (string, []string) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "", nil
	}
	return strings.ToUpper(fields[0]), fields[1:]
}

func (p *PI) send(reply string) {
	fmt.Fprintf(p.conn, "%s\r\n", reply)
}

type cmdSpec struct {
	minArgs int
	optArgs int
	perm    Permission
	handle  func(p *PI, args []string) string
}

var commandTable = map[string]cmdSpec{
	"USER": {1, 0, PermNone, (*PI).cmdUser},
	"PASS": {0, 1, PermNone, (*PI).cmdPass},
	"ACCT": {0, 1, PermNone, (*PI).cmdAcct},
	"CWD":  {1, 0, PermView, (*PI).cmdCwd},
	"SMNT": {1, 0, PermView, (*PI).cmdCwd},
	"CDUP": {0, 0, PermView, (*PI).cmdCdup},
	"REIN": {0, 0, PermNone, (*PI).cmdRein},
	"QUIT": {0, 0, PermNone, (*PI).cmdQuit},
	"PORT": {1, 0, PermView, (*PI).cmdPort},
	"PASV": {0, 0, PermView, (*PI).cmdPasv},
	"TYPE": {1, 1, PermView, (*PI).cmdType},
	"STRU": {1, 0, PermView, (*PI).cmdStru},
	"MODE": {1, 0, PermView, (*PI).cmdMode},
	"RETR": {1, 0, PermRead, (*PI).cmdRetr},
	"STOR": {1, 0, PermAdmin, (*PI).cmdStor},
	"APPE": {1, 0, PermAdmin, (*PI).cmdAppe},
	"REST": {1, 0, PermWrite, (*PI).cmdRest},
	"LIST": {0, 1, PermView, (*PI).cmdList},
	"NLST": {0, 1, PermView, (*PI).cmdNlst},
	"STOU": {0, 0, PermWrite, (*PI).cmdStou},
	"ALLO": {0, 1, PermWrite, (*PI).cmdNoopOK},
	"NOOP": {0, 0, PermNone, (*PI).cmdNoopOK},
	"RNFR": {1, 0, PermAdmin, (*PI).cmdRnfr},
	"RNTO": {1, 0, PermAdmin, (*PI).cmdRnto},
	"ABOR": {0, 0, PermView, (*PI).cmdAbor},
	"DELE": {1, 0, PermAdmin, (*PI).cmdDele},
	"RMD":  {1, 0, PermAdmin, (*PI).cmdRmd},
	"MKD":  {1, 0, PermWrite, (*PI).cmdMkd},
	"PWD":  {0, 0, PermView, (*PI).cmdPwd},
	"SITE": {0, 3, PermView, (*PI).cmdSite},
	"SYST": {0, 0, PermView, (*PI).cmdSyst},
	"STAT": {0, 1, PermView, (*PI).cmdStat},
	"HELP": {0, 1, PermNone, (*PI).cmdHelp},
}

func (p *PI) dispatch(ctx context.Context, cmd string, args []string) {
	spec, ok := commandTable[cmd]
	if !ok {
		p.send("500 Syntax error, command unrecognized.")
		return
	}
	if len(args) < spec.minArgs || len(args) > spec.minArgs+spec.optArgs {
		p.send("501 Syntax error in parameters or arguments.")
		return
	}
	if p.perm < spec.perm {
		if p.login != LoginLoggedIn {
			p.send("530 Not logged in.")
		} else {
			p.send("530 Command not permitted.")
		}
		return
	}
	if cmd == "PASS" && p.login != LoginWaitPass {
		p.send("503 Bad sequence of commands.")
		return
	}
	if cmd == "RNTO" && p.renameFrom == "" {
		p.send("503 Bad sequence of commands.")
		return
	}
	p.dtpCtx = ctx
	p.send(spec.handle(p, args))
}

func (p *PI) resolve(rel string) string {
	if strings.HasPrefix(rel, "/") {
		return path.Clean(rel)
	}
	return path.Clean(path.Join(p.cwd, rel))
}

func (p *PI) cmdUser(args []string) string {
	p.username = args[0]
	p.account = nil
	result, perm := p.creds.Check(LoginAttempt{Username: p.username})
	return p.applyLoginResult(result, perm, LoginWaitPass)
}

func (p *PI) cmdPass(args []string) string {
	var password string
	if len(args) == 1 {
		password = args[0]
	}
	result, perm := p.creds.Check(LoginAttempt{Username: p.username, Password: &password})
	return p.applyLoginResult(result, perm, LoginWaitAcct)
}

func (p *PI) cmdAcct(args []string) string {
	var account string
	if len(args) == 1 {
		account = args[0]
	}
	p.account = &account
	result, perm := p.creds.Check(LoginAttempt{Username: p.username, Account: &account})
	return p.applyLoginResult(result, perm, LoginWaitAcct)
}

func (p *PI) applyLoginResult(result LoginResult, perm Permission, moreInfoState LoginState) string {
	switch result {
	case LoginFailure:
		p.login = LoginWaitUser
		p.perm = PermNone
		return "532 Need account for login."
	case LoginMoreInfoRequired:
		p.login = moreInfoState
		if moreInfoState == LoginWaitPass {
			return "331 User name okay, need password."
		}
		return "332 Need account for login."
	case LoginSuccess:
		p.login = LoginLoggedIn
		p.perm = perm
		return "230 User logged in, proceed."
	default:
		return "530 Not logged in."
	}
}

func (p *PI) cmdCwd(args []string) string {
	target := p.resolve(args[0])
	info, err := p.fs.Stat(target)
	if err != nil || !info.IsDir {
		return "550 Failed to change directory."
	}
	p.cwd = target
	return "250 Directory successfully changed."
}

func (p *PI) cmdCdup(_ []string) string {
	target := path.Clean(path.Join(p.cwd, ".."))
	if info, err := p.fs.Stat(target); err != nil || !info.IsDir {
		return "550 Failed to change directory."
	}
	p.cwd = target
	return "200 Command okay."
}

func (p *PI) cmdRein(_ []string) string {
	p.login = LoginWaitUser
	p.perm = PermNone
	p.username = ""
	p.account = nil
	return "220 Ready for new user."
}

func (p *PI) cmdQuit(_ []string) string {
	return "200 Goodbye."
}

func (p *PI) cmdPort(args []string) string {
	parts := strings.Split(args[0], ",")
	if len(parts) != 6 {
		return "501 Syntax error in parameters or arguments."
	}
	var b [6]int
	for i, s := range parts {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 || n > 255 {
			return "501 Syntax error in parameters or arguments."
		}
		b[i] = n
	}
	ip := net.IPv4(byte(b[0]), byte(b[1]), byte(b[2]), byte(b[3]))
	port := b[4]<<8 | b[5]
	p.dataPeerAddr = &net.TCPAddr{IP: ip, Port: port}
	p.dataMode = ModeActive
	return "200 Command okay."
}

func (p *PI) cmdPasv(_ []string) string {
	l, err := net.Listen("tcp", ":0")
	if err != nil {
		return "425 Can't open data connection."
	}
	p.teardownDTP()
	p.passiveListener = l
	p.dataMode = ModePassive
	addr := l.Addr().(*net.TCPAddr)
	if err := p.ensureDTP(); err != nil {
		l.Close()
		p.passiveListener = nil
		return "425 Can't open data connection."
	}
	ip := p.localIP
	if ip == nil {
		ip = net.IPv4(127, 0, 0, 1)
	}
	ip4 := ip.To4()
	port := addr.Port
	return fmt.Sprintf("227 Entering Passive Mode (%d,%d,%d,%d,%d,%d).",
		ip4[0], ip4[1], ip4[2], ip4[3], port>>8, port&0xff)
}

func (p *PI) cmdType(args []string) string {
	switch strings.ToUpper(args[0]) {
	case "A", "I":
		p.transferType = TransferType{Code: strings.ToUpper(args[0])[0]}
		return "200 Command okay."
	case "E", "L":
		return "504 Command not implemented for that parameter."
	default:
		return "501 Syntax error in parameters or arguments."
	}
}

func (p *PI) cmdStru(args []string) string {
	switch strings.ToUpper(args[0]) {
	case "F":
		p.structure = 'F'
		return "200 Command okay."
	case "R", "P":
		return "504 Command not implemented for that parameter."
	default:
		return "501 Syntax error in parameters or arguments."
	}
}

func (p *PI) cmdMode(args []string) string {
	switch strings.ToUpper(args[0]) {
	case "S":
		p.mode = 'S'
		return "200 Command okay."
	case "B", "C":
		return "504 Command not implemented for that parameter."
	default:
		return "501 Syntax error in parameters or arguments."
	}
}

func (p *PI) cmdStou(_ []string) string {
	return "502 Command not implemented."
}

func (p *PI) cmdNoopOK(_ []string) string {
	return "200 Command okay."
}

func (p *PI) cmdRnfr(args []string) string {
	p.renameFrom = p.resolve(args[0])
	return "350 Requested file action pending further information."
}

func (p *PI) cmdRnto(args []string) string {
	target := p.resolve(args[0])
	err := p.fs.Rename(p.renameFrom, target)
	p.renameFrom = ""
	if err != nil {
		return "553 Requested action not taken."
	}
	return "250 Requested file action okay, completed."
}

func (p *PI) cmdDele(args []string) string {
	if err := p.fs.Remove(p.resolve(args[0])); err != nil {
		return "550 Requested action not taken; file unavailable."
	}
	return "250 Requested file action okay, completed."
}

func (p *PI) cmdRmd(args []string) string {
	if err := p.fs.Rmdir(p.resolve(args[0])); err != nil {
		return "550 Requested action not taken; file unavailable."
	}
	return "250 Requested file action okay, completed."
}

func (p *PI) cmdMkd(args []string) string {
	if err := p.fs.Mkdir(p.resolve(args[0])); err != nil {
		return "550 Requested action not taken; file unavailable."
	}
	return "250 Requested file action okay, completed."
}

func (p *PI) cmdPwd(_ []string) string {
	return fmt.Sprintf("257 \"%s\"", p.cwd)
}

func (p *PI) cmdSite(_ []string) string {
	return "202 Command not implemented, superfluous at this site."
}

func (p *PI) cmdSyst(_ []string) string {
	return "215 ELF system type."
}

func (p *PI) cmdStat(_ []string) string {
	return "502 Command not implemented."
}

func (p *PI) cmdHelp(_ []string) string {
	return "211 Help: USER PASS ACCT CWD CDUP QUIT PORT PASV TYPE STRU MODE RETR STOR APPE REST LIST NLST RNFR RNTO ABOR DELE RMD MKD PWD SYST NOOP."
}
